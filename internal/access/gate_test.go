package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		input  string
		expect string
	}{
		{"mq1", "mq1"},
		{"MQ1", "mq1"},
		{"mq1:6747", "mq1"},
		{"mq1.example.com", "mq1"},
		{"mq1.example.com:6747", "mq1"},
		{"10.0.0.5", "10.0.0.5"},
		{"10.0.0.5:6747", "10.0.0.5"},
		{"  mq2  ", "mq2"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expect, Normalize(tt.input), tt.input)
	}
}

func TestGateAuthorizesClusterNodes(t *testing.T) {
	g := NewGate([]string{"mq1.example.com:6747", "mq2:6747"}, nil)

	assert.True(t, g.Authorize("mq1"))
	assert.True(t, g.Authorize("mq1.example.com"))
	assert.True(t, g.Authorize("MQ2"))
	assert.False(t, g.Authorize("mq3"))
}

func TestGateAuthorizesAllowedReplicants(t *testing.T) {
	g := NewGate([]string{"mq1"}, []string{"gateway.example.com", "10.0.0.9"})

	assert.True(t, g.Authorize("gateway"))
	assert.True(t, g.Authorize("10.0.0.9"))
	assert.False(t, g.Authorize("10.0.0.10"))
}

func TestGateMultipleIdentities(t *testing.T) {
	g := NewGate([]string{"mq1"}, nil)

	// any matching identity is enough: IP, resolved host or declared node
	assert.True(t, g.Authorize("10.1.2.3", "", "mq1"))
	assert.False(t, g.Authorize("10.1.2.3", "", ""))
	assert.False(t, g.Authorize())
}

func TestGateSize(t *testing.T) {
	g := NewGate([]string{"mq1", "mq1:6747"}, []string{"mq2"})
	assert.Equal(t, 2, g.Size(), "duplicate entries collapse after normalization")
}
