package cluster

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/coremq-dev/coremq/internal/logger"
	"github.com/coremq-dev/coremq/internal/protocol"
)

// Peer reconnect backoff bounds.
const (
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 30 * time.Second
	dialTimeout    = 5 * time.Second
	handshakeWait  = 10 * time.Second
)

// PeerBufferSize bounds the outbound replication backlog per peer. A peer
// that cannot drain this many frames is dropped and redialed instead of
// blocking local publish throughput.
const PeerBufferSize = 512

type PeerState int

const (
	StateDisconnected PeerState = iota
	StateConnecting
	StateConnected
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var errNotConnected = errors.New("peer not connected")

// Peer maintains one outbound replication link to a cluster node. The link
// cycles disconnected -> connecting -> connected and never reaches a terminal
// failure state; on I/O failure it backs off exponentially and redials
// forever.
type Peer struct {
	Address string

	localNode string
	dial      func(addr string, timeout time.Duration) (net.Conn, error)
	onState   func(connected bool)

	out  chan protocol.Command
	done chan struct{}
	wg   sync.WaitGroup

	mu         sync.Mutex
	state      PeerState
	remoteName string
	conn       net.Conn
}

func newPeer(address, localNode string, onState func(bool)) *Peer {
	return &Peer{
		Address:   address,
		localNode: localNode,
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
		onState:   onState,
		out:       make(chan protocol.Command, PeerBufferSize),
		done:      make(chan struct{}),
	}
}

func (p *Peer) start() {
	p.wg.Add(1)
	go p.run()
}

func (p *Peer) stop() {
	close(p.done)
	p.mu.Lock()
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// State reports the current link state.
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RemoteName is the node name the peer announced in its welcome frame. Empty
// until the first successful handshake.
func (p *Peer) RemoteName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteName
}

func (p *Peer) setState(state PeerState, conn net.Conn, remoteName string) {
	p.mu.Lock()
	wasConnected := p.state == StateConnected
	p.state = state
	p.conn = conn
	if remoteName != "" {
		p.remoteName = remoteName
	}
	p.mu.Unlock()

	isConnected := state == StateConnected
	if p.onState != nil && wasConnected != isConnected {
		p.onState(isConnected)
	}
}

// send enqueues one frame for the peer. A full backlog drops the connection;
// the frame (and anything still queued) is lost, matching the broker's
// no-replay replication model.
func (p *Peer) send(cmd protocol.Command) error {
	if p.State() != StateConnected {
		return errNotConnected
	}
	select {
	case p.out <- cmd:
		return nil
	default:
		logger.WarnF("Replication backlog full for peer %s, dropping connection", p.Address)
		p.dropConn()
		return fmt.Errorf("replication backlog full for peer %s", p.Address)
	}
}

func (p *Peer) dropConn() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (p *Peer) run() {
	defer p.wg.Done()

	backoff := backoffInitial
	for {
		select {
		case <-p.done:
			return
		default:
		}

		p.setState(StateConnecting, nil, "")
		conn, remoteName, err := p.connect()
		if err != nil {
			p.setState(StateDisconnected, nil, "")
			logger.DebugF("Peer %s unreachable, retrying in %v, details: %v", p.Address, backoff, err)
			if !p.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		logger.InfoF("Replication link to %s (%s) established", p.Address, remoteName)
		p.setState(StateConnected, conn, remoteName)
		backoff = backoffInitial

		p.pump(conn)

		p.setState(StateDisconnected, nil, "")
		_ = conn.Close()
		p.drainBacklog()
		logger.WarnF("Replication link to %s lost", p.Address)
	}
}

// connect dials the peer and performs the replication handshake: read the
// welcome frame, declare ourselves with replicate_request, require an ack.
func (p *Peer) connect() (net.Conn, string, error) {
	conn, err := p.dial(p.Address, dialTimeout)
	if err != nil {
		return nil, "", err
	}

	_ = conn.SetDeadline(time.Now().Add(handshakeWait))
	reader := bufio.NewReader(conn)

	welcome, err := readResponse(reader)
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("reading welcome: %w", err)
	}
	if welcome.Type != protocol.RespWelcome {
		_ = conn.Close()
		return nil, "", fmt.Errorf("expected welcome frame, got %q", welcome.Type)
	}

	request, err := protocol.EncodeCommand(protocol.Command{
		Type: protocol.CmdReplicateRequest,
		Node: p.localNode,
	})
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	if _, err := conn.Write(request); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("sending replicate_request: %w", err)
	}

	reply, err := readResponse(reader)
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("reading replicate_request reply: %w", err)
	}
	if reply.Type != protocol.RespAck {
		_ = conn.Close()
		return nil, "", fmt.Errorf("replication refused by %s: %s", p.Address, reply.Reason)
	}

	_ = conn.SetDeadline(time.Time{})

	// keep draining inbound frames so the remote never blocks on its socket
	go func() {
		for {
			if _, err := readResponse(reader); err != nil {
				return
			}
		}
	}()

	return conn, welcome.Server, nil
}

// pump writes queued frames until the link fails or the peer is stopped.
func (p *Peer) pump(conn net.Conn) {
	for {
		select {
		case <-p.done:
			return
		case cmd := <-p.out:
			data, err := protocol.EncodeCommand(cmd)
			if err != nil {
				logger.ErrorF("Fail to encode replication frame for %s, details: %v", p.Address, err)
				continue
			}
			if _, err := conn.Write(data); err != nil {
				return
			}
		}
	}
}

// drainBacklog discards frames queued while the link was down. Disconnected
// peers miss traffic permanently; there is no replay queue.
func (p *Peer) drainBacklog() {
	for {
		select {
		case <-p.out:
		default:
			return
		}
	}
}

func (p *Peer) sleep(d time.Duration) bool {
	select {
	case <-p.done:
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > backoffMax {
		next = backoffMax
	}
	// jitter so a restarted cluster does not redial in lockstep
	jitter := time.Duration(rand.Int63n(int64(next / 5)))
	return next - next/10 + jitter
}

func readResponse(reader *bufio.Reader) (protocol.Response, error) {
	var resp protocol.Response
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return resp, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
	}
	return resp, nil
}
