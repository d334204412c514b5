// Package server runs the TCP accept loop and per-connection read loop,
// bridging sockets to the broker router.
package server

import (
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/coremq-dev/coremq/internal/broker"
	"github.com/coremq-dev/coremq/internal/logger"
)

// sem caps concurrent connections.
var sem = make(chan struct{}, 10000)

type Server struct {
	router *broker.Router

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func NewServer(router *broker.Router) *Server {
	return &Server{router: router}
}

// Start listens and serves until Close. It blocks.
func (s *Server) Start(address string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on an already bound listener until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	logger.InfoF("CoreMQ server listening on %s", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		sem <- struct{}{}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			handler := &ConnectionHandler{conn: c, router: s.router}
			handler.handleConnection()
			<-sem
		}(conn)
	}

	s.wg.Wait()
	return nil
}

// Close stops accepting. Live connections are closed by their handlers.
func (s *Server) Close() {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}
