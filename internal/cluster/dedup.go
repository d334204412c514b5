package cluster

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupWindowSize bounds how many (origin, sequence) pairs are remembered for
// flood deduplication. The window must comfortably cover the traffic a peer
// can re-forward during a reconnect storm; pairs evicted from a full window
// would be re-applied if they arrived again much later, which is accepted for
// the broker's non-durable delivery model.
const DedupWindowSize = 8192

// Dedup remembers recently applied (origin, sequence) pairs so a flooded
// message is applied at most once per node.
type Dedup struct {
	window *lru.Cache[string, struct{}]
}

func NewDedup(size int) *Dedup {
	if size <= 0 {
		size = DedupWindowSize
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		// only reachable with a non-positive size
		panic(err)
	}
	return &Dedup{window: cache}
}

func key(origin string, sequence uint64) string {
	return fmt.Sprintf("%s/%d", origin, sequence)
}

// Seen records the pair and reports whether it was already present. The
// check and insert are a single cache operation so two peer links racing on
// the same pair cannot both observe it as fresh.
func (d *Dedup) Seen(origin string, sequence uint64) bool {
	present, _ := d.window.ContainsOrAdd(key(origin, sequence), struct{}{})
	return present
}

// Len reports the number of remembered pairs.
func (d *Dedup) Len() int {
	return d.window.Len()
}
