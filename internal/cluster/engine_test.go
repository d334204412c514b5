package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/coremq-dev/coremq/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewEngineSkipsSelf(t *testing.T) {
	e := NewEngine("mq1", []string{"mq1:6747", "mq2:6747", "mq3"}, 6747, nil)
	assert.Equal(t, 2, e.PeerCount())

	// same host, different port is a distinct node
	e = NewEngine("mq1", []string{"mq1:6747", "mq1:6748"}, 6747, nil)
	assert.Equal(t, 1, e.PeerCount())

	// fully qualified entries match the short node name
	e = NewEngine("mq1", []string{"mq1.example.com:6747"}, 6747, nil)
	assert.Equal(t, 0, e.PeerCount())
}

func TestWithDefaultPort(t *testing.T) {
	assert.Equal(t, "mq2:6747", withDefaultPort("mq2"))
	assert.Equal(t, "mq2:9000", withDefaultPort("mq2:9000"))
}

func TestIngestDiscardsLoops(t *testing.T) {
	e := NewEngine("node-a", nil, 6747, nil)

	msg := protocol.Message{Queue: "events", Origin: "node-a", Sequence: 1}
	assert.False(t, e.Ingest(msg, "node-b"), "own origin must never re-apply")
}

func TestIngestDeduplicates(t *testing.T) {
	e := NewEngine("node-a", nil, 6747, nil)

	msg := protocol.Message{Queue: "events", Origin: "node-b", Sequence: 1}
	assert.True(t, e.Ingest(msg, "node-b"), "first arrival applies")
	assert.False(t, e.Ingest(msg, "node-c"), "same (origin, sequence) via another path is discarded")

	msg.Sequence = 2
	assert.True(t, e.Ingest(msg, "node-c"))
}

func TestNextBackoffProgression(t *testing.T) {
	current := backoffInitial
	for i := 0; i < 20; i++ {
		next := nextBackoff(current)
		assert.Greater(t, next, time.Duration(0))
		assert.LessOrEqual(t, next, backoffMax+backoffMax/5)
		current = next
	}
	// settles near the cap instead of growing forever
	assert.GreaterOrEqual(t, current, backoffMax/2)
}
