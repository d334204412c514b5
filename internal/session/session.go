// Package session tracks one broker session per client connection.
package session

import (
	"errors"
	"net"
	"sync"

	"github.com/coremq-dev/coremq/internal/logger"
)

// OutboundBufferSize bounds the per-session outbound frame buffer. A session
// that cannot drain this many frames is closed rather than allowed to grow.
const OutboundBufferSize = 256

var ErrBufferFull = errors.New("session outbound buffer full")
var ErrClosed = errors.New("session closed")

// Options is the immutable option snapshot of a session. It is written only
// from the session's own command handling, before any concurrent reader sees
// the values.
type Options struct {
	// Replicant marks a connection promoted by a successful replicate_request.
	Replicant bool
	// PeerNode is the node identity declared on replicate_request.
	PeerNode string
}

// Session represents one client connection. Frames are enqueued on the
// outbound buffer and drained to the socket by a dedicated writer goroutine.
type Session struct {
	ID         string
	RemoteAddr string
	RemoteHost string
	// ResolvedHost is the reverse-resolved short hostname of the remote,
	// filled in best effort by the server before the read loop starts.
	ResolvedHost string

	conn      net.Conn
	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	opts Options
}

// New wraps an accepted connection and starts its writer goroutine.
func New(id string, conn net.Conn) *Session {
	s := &Session{
		ID:       id,
		conn:     conn,
		outbound: make(chan []byte, OutboundBufferSize),
		done:     make(chan struct{}),
	}
	if conn != nil && conn.RemoteAddr() != nil {
		s.RemoteAddr = conn.RemoteAddr().String()
		if host, _, err := net.SplitHostPort(s.RemoteAddr); err == nil {
			s.RemoteHost = host
		} else {
			s.RemoteHost = s.RemoteAddr
		}
	}
	go s.writeLoop()
	return s
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.outbound:
			if err := s.write(data); err != nil {
				logger.DebugF("[%s] Fail to send data, details: %v", s.ID, err)
				s.Close()
				return
			}
		}
	}
}

func (s *Session) write(data []byte) error {
	total := 0
	for total < len(data) {
		n, err := s.conn.Write(data[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

// Enqueue buffers one outbound frame. A full buffer closes the session: the
// broker drops slow consumers instead of blocking publish throughput.
func (s *Session) Enqueue(data []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	default:
		logger.WarnF("[%s] Outbound buffer full, dropping connection", s.ID)
		s.Close()
		return ErrBufferFull
	}
}

// Close shuts the session down. Pending outbound frames are discarded.
// Safe to call multiple times and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed when the session shuts down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// PromoteReplicant records a successful replicate_request handshake.
func (s *Session) PromoteReplicant(node string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Replicant = true
	s.opts.PeerNode = node
}
