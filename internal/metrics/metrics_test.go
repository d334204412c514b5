package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	m, registry := New()
	require.NotNil(t, m)
	require.NotNil(t, registry)

	m.SessionsActive.Inc()
	m.MessagesPublished.WithLabelValues("local").Inc()
	m.MessagesPublished.WithLabelValues("replicated").Inc()
	m.FramesRejected.WithLabelValues("malformed").Inc()
	m.ReplicationDuplicates.Inc()
	m.PeersConnected.Inc()
	m.PeersConnected.Dec()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.PeersConnected))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesPublished.WithLabelValues("local")))
}

func TestStartServerDisabled(t *testing.T) {
	_, registry := New()
	assert.Nil(t, StartServer(0, registry))
}
