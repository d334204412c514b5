// Package cluster implements master-master replication between brokers:
// every node dials every other configured node, forwards locally published
// messages over its outbound links and floods peer traffic onward with
// (origin, sequence) deduplication.
package cluster

import (
	"fmt"
	"net"
	"strconv"

	"github.com/coremq-dev/coremq/internal/access"
	"github.com/coremq-dev/coremq/internal/config"
	"github.com/coremq-dev/coremq/internal/logger"
	"github.com/coremq-dev/coremq/internal/metrics"
	"github.com/coremq-dev/coremq/internal/protocol"
)

// Engine owns the replication peers and the flood dedup window.
type Engine struct {
	localNode string
	peers     []*Peer
	dedup     *Dedup
	metrics   *metrics.Metrics
}

// NewEngine builds one peer per configured cluster node, skipping the entry
// describing this node itself.
func NewEngine(localNode string, clusterNodes []string, listenPort int, m *metrics.Metrics) *Engine {
	e := &Engine{
		localNode: localNode,
		dedup:     NewDedup(DedupWindowSize),
		metrics:   m,
	}

	onState := func(connected bool) {
		if m == nil {
			return
		}
		if connected {
			m.PeersConnected.Inc()
		} else {
			m.PeersConnected.Dec()
		}
	}

	for _, entry := range clusterNodes {
		addr := withDefaultPort(entry)
		if isSelf(addr, localNode, listenPort) {
			logger.DebugF("Skipping cluster entry %s: it is this node", entry)
			continue
		}
		e.peers = append(e.peers, newPeer(addr, localNode, onState))
	}

	if len(e.peers) == 0 && len(clusterNodes) > 0 {
		logger.Info("This node is the only one listed in cluster_nodes, replication disabled")
	}
	return e
}

func withDefaultPort(entry string) string {
	if _, _, err := net.SplitHostPort(entry); err != nil {
		return fmt.Sprintf("%s:%d", entry, config.DefaultPort)
	}
	return entry
}

func isSelf(addr, localNode string, listenPort int) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if access.Normalize(host) != access.Normalize(localNode) {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p == listenPort
}

// Start launches the peer reconnect loops.
func (e *Engine) Start() {
	for _, p := range e.peers {
		p.start()
	}
	if len(e.peers) > 0 {
		logger.InfoF("Replication engine started with %d peer(s)", len(e.peers))
	}
}

// Stop tears the peer links down.
func (e *Engine) Stop() {
	for _, p := range e.peers {
		p.stop()
	}
}

// ForwardLocal sends a locally originated publish to every connected peer.
// Peer failures never propagate: the local publish already succeeded.
func (e *Engine) ForwardLocal(msg protocol.Message) {
	e.forward(msg, "")
}

// Ingest decides whether a replicated message received via the named peer
// link should be applied locally. Loops (origin is this node) and already
// seen (origin, sequence) pairs are discarded silently; fresh messages are
// recorded and re-forwarded to every other connected peer so a partially
// connected mesh still converges.
func (e *Engine) Ingest(msg protocol.Message, viaNode string) bool {
	if msg.Origin == e.localNode || e.dedup.Seen(msg.Origin, msg.Sequence) {
		if e.metrics != nil {
			e.metrics.ReplicationDuplicates.Inc()
		}
		return false
	}
	if e.metrics != nil {
		e.metrics.ReplicationIngested.Inc()
	}
	e.forward(msg, viaNode)
	return true
}

func (e *Engine) forward(msg protocol.Message, exceptNode string) {
	frame := protocol.ReplicateFrame(msg)
	for _, p := range e.peers {
		if p.State() != StateConnected {
			continue
		}
		name := p.RemoteName()
		if name != "" && (name == exceptNode || name == msg.Origin) {
			continue
		}
		if err := p.send(frame); err != nil {
			logger.DebugF("Fail to forward to peer %s, details: %v", p.Address, err)
			continue
		}
		if e.metrics != nil {
			e.metrics.ReplicationForwarded.Inc()
		}
	}
}

// ConnectedPeers lists the announced names of currently connected peers.
func (e *Engine) ConnectedPeers() []string {
	names := make([]string, 0, len(e.peers))
	for _, p := range e.peers {
		if p.State() == StateConnected {
			names = append(names, p.RemoteName())
		}
	}
	return names
}

// PeerCount reports how many peer links are configured.
func (e *Engine) PeerCount() int {
	return len(e.peers)
}
