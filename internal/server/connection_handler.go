package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/coremq-dev/coremq/internal/broker"
	"github.com/coremq-dev/coremq/internal/logger"
	"github.com/coremq-dev/coremq/internal/protocol"
	"github.com/coremq-dev/coremq/internal/session"
)

// ConnectionHandler reads line frames from one connection and dispatches
// them to the router. One frame is handled to completion before the next is
// read, so per-connection command order is preserved.
type ConnectionHandler struct {
	conn   net.Conn
	router *broker.Router
	sess   *session.Session
}

func (c *ConnectionHandler) handleConnection() {
	c.sess = c.router.Accept(c.conn)

	defer func() {
		c.router.CloseSession(c.sess)
		logger.DebugF("[%s] Connection closed", c.sess.ID)
	}()

	c.resolvePeerName()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxFrameSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		c.router.Dispatch(c.sess, line)
		if c.sess.Closed() {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		handleReadError(c.sess.ID, err)
	}
}

// resolvePeerName records the remote side's short hostname, best effort.
// The access gate matches it against the allow-list alongside the raw IP.
func (c *ConnectionHandler) resolvePeerName() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(ctx, c.sess.RemoteHost)
	if err != nil || len(names) == 0 {
		return
	}
	c.sess.ResolvedHost = strings.TrimSuffix(names[0], ".")
}

func isNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func handleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", connID)
	case errors.Is(err, bufio.ErrTooLong):
		logger.WarnF("[%s] Frame exceeds %d bytes, dropping connection", connID, protocol.MaxFrameSize)
	case isNetClosedError(err):
		logger.DebugF("[%s] Connection already closed", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", connID, err)
	}
}
