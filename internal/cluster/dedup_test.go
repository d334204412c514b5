package cluster

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupSeen(t *testing.T) {
	d := NewDedup(16)

	assert.False(t, d.Seen("node-a", 1), "first sighting is fresh")
	assert.True(t, d.Seen("node-a", 1), "second sighting is a duplicate")
	assert.False(t, d.Seen("node-a", 2))
	assert.False(t, d.Seen("node-b", 1), "pairs are keyed per origin")
}

func TestDedupOutOfOrder(t *testing.T) {
	d := NewDedup(16)

	// flood paths can deliver a later sequence first
	assert.False(t, d.Seen("node-a", 2))
	assert.False(t, d.Seen("node-a", 1))
	assert.True(t, d.Seen("node-a", 1))
}

func TestDedupWindowBounded(t *testing.T) {
	d := NewDedup(8)

	for i := 1; i <= 100; i++ {
		d.Seen("node-a", uint64(i))
	}
	assert.LessOrEqual(t, d.Len(), 8)

	// the oldest pairs were evicted and would be re-admitted
	assert.False(t, d.Seen("node-a", 1))
}

func TestDedupConcurrentArrivals(t *testing.T) {
	d := NewDedup(4096)

	// the same (origin, sequence) pair arrives on several peer links at
	// once; exactly one sighting may be fresh
	const pairs = 512
	const workers = 8

	var fresh [pairs]atomic.Int32
	start := make(chan struct{})
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < pairs; i++ {
				if !d.Seen("node-b", uint64(i+1)) {
					fresh[i].Add(1)
				}
			}
		}()
	}
	close(start)
	wg.Wait()

	for i := range fresh {
		assert.Equal(t, int32(1), fresh[i].Load(), "pair %d applied more than once", i+1)
	}
}

func TestDedupDefaultSize(t *testing.T) {
	d := NewDedup(0)
	for i := 1; i <= 20; i++ {
		assert.False(t, d.Seen("node-a", uint64(i)), fmt.Sprintf("seq %d", i))
	}
}
