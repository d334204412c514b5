package broker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coremq-dev/coremq/internal/access"
	"github.com/coremq-dev/coremq/internal/cluster"
	"github.com/coremq-dev/coremq/internal/protocol"
	"github.com/coremq-dev/coremq/internal/queue"
	"github.com/coremq-dev/coremq/internal/session"
)

type testBroker struct {
	router   *Router
	registry *queue.Registry
	sessions *session.Manager
}

// newTestBroker wires a router with the given allow-list entries. Sessions
// created over net.Pipe report "pipe" as their remote host, so tests that
// need an authorized connection list "pipe" as an allowed replicant.
func newTestBroker(t *testing.T, allowedReplicants []string, noSelfDelivery bool) *testBroker {
	t.Helper()
	registry := queue.NewRegistry()
	sessions := session.NewManager()
	router := NewRouter(Config{
		NodeName:       "node-a",
		Registry:       registry,
		Sessions:       sessions,
		Engine:         cluster.NewEngine("node-a", nil, 6747, nil),
		Gate:           access.NewGate(nil, allowedReplicants),
		NoSelfDelivery: noSelfDelivery,
	})
	return &testBroker{router: router, registry: registry, sessions: sessions}
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	sess   *session.Session
	router *Router
}

func (b *testBroker) connect(t *testing.T) *testClient {
	t.Helper()
	client, srv := net.Pipe()
	sess := b.router.Accept(srv)
	c := &testClient{
		t:      t,
		conn:   client,
		reader: bufio.NewReader(client),
		sess:   sess,
		router: b.router,
	}
	t.Cleanup(func() {
		b.router.CloseSession(sess)
		_ = client.Close()
	})
	return c
}

func (c *testClient) send(line string) {
	c.router.Dispatch(c.sess, []byte(line))
}

func (c *testClient) read() protocol.Response {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(c.t, err, "expected a frame")
	var resp protocol.Response
	require.NoError(c.t, json.Unmarshal(line, &resp))
	return resp
}

func (c *testClient) expectNoFrame() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := c.reader.ReadBytes('\n')
	require.Error(c.t, err, "expected no frame")
}

func (c *testClient) welcome() protocol.Response {
	c.t.Helper()
	resp := c.read()
	require.Equal(c.t, protocol.RespWelcome, resp.Type)
	return resp
}

func (c *testClient) expectAck() {
	c.t.Helper()
	resp := c.read()
	require.Equal(c.t, protocol.RespAck, resp.Type, "reason: %s", resp.Reason)
}

func (c *testClient) expectError() protocol.Response {
	c.t.Helper()
	resp := c.read()
	require.Equal(c.t, protocol.RespError, resp.Type)
	return resp
}

func TestWelcomeFrame(t *testing.T) {
	b := newTestBroker(t, nil, false)
	c := b.connect(t)

	resp := c.welcome()
	assert.Equal(t, c.sess.ID, resp.ConnectionID)
	assert.Equal(t, "node-a", resp.Server)
	assert.Contains(t, resp.Greeting, "Welcome")
}

func TestPointToPointViaPrivateQueue(t *testing.T) {
	b := newTestBroker(t, nil, false)
	c1 := b.connect(t)
	c2 := b.connect(t)
	c1.welcome()
	c2.welcome()

	// every connection is auto-subscribed to the queue named by its id
	c2.send(fmt.Sprintf(`{"type":"publish","queue":"%s","message":{"a":1}}`, c1.sess.ID))

	msg := c1.read()
	assert.Equal(t, protocol.RespMessage, msg.Type)
	assert.Equal(t, c1.sess.ID, msg.Queue)
	assert.JSONEq(t, `{"a":1}`, string(msg.Payload))

	c2.expectAck()
}

func TestPublishDeliversToAllSubscribersIncludingSender(t *testing.T) {
	b := newTestBroker(t, nil, false)
	c1 := b.connect(t)
	c2 := b.connect(t)
	c1.welcome()
	c2.welcome()

	c1.send(`{"type":"subscribe","queue":"events"}`)
	c1.expectAck()
	c2.send(`{"type":"subscribe","queue":"events"}`)
	c2.expectAck()

	c1.send(`{"type":"publish","queue":"events","message":{"n":1}}`)

	// the publisher is a subscriber too, so it gets the message and the ack
	msg := c1.read()
	assert.Equal(t, protocol.RespMessage, msg.Type)
	assert.Equal(t, "node-a", msg.Origin)
	assert.Equal(t, uint64(1), msg.Sequence)
	c1.expectAck()

	msg = c2.read()
	assert.Equal(t, protocol.RespMessage, msg.Type)
	assert.JSONEq(t, `{"n":1}`, string(msg.Payload))
}

func TestNoSelfDeliveryPolicy(t *testing.T) {
	b := newTestBroker(t, nil, true)
	c1 := b.connect(t)
	c2 := b.connect(t)
	c1.welcome()
	c2.welcome()

	c1.send(`{"type":"subscribe","queue":"events"}`)
	c1.expectAck()
	c2.send(`{"type":"subscribe","queue":"events"}`)
	c2.expectAck()

	c1.send(`{"type":"publish","queue":"events","message":{"n":1}}`)
	c1.expectAck()

	msg := c2.read()
	assert.Equal(t, protocol.RespMessage, msg.Type)
	c1.expectNoFrame()
}

func TestMalformedFrameKeepsConnectionUsable(t *testing.T) {
	b := newTestBroker(t, nil, false)
	c := b.connect(t)
	c.welcome()

	c.send(`this is not json`)
	c.expectError()

	c.send(`{"type":"subscribe","queue":"events"}`)
	c.expectAck()
}

func TestUnknownCommand(t *testing.T) {
	b := newTestBroker(t, nil, false)
	c := b.connect(t)
	c.welcome()

	c.send(`{"type":"frobnicate"}`)
	resp := c.expectError()
	assert.Contains(t, resp.Reason, "unknown command")
}

func TestMissingFields(t *testing.T) {
	b := newTestBroker(t, nil, false)
	c := b.connect(t)
	c.welcome()

	tests := []string{
		`{"type":"publish","message":{"a":1}}`,
		`{"type":"publish","queue":"events"}`,
		`{"type":"subscribe"}`,
		`{"type":"unsubscribe"}`,
		`{"type":"fetch_history"}`,
		`{"type":"publish","queue":"has space","message":{}}`,
		`{"type":"replicate_request"}`,
	}
	for _, line := range tests {
		c.send(line)
		c.expectError()
	}

	// the connection survived all of it
	c.send(`{"type":"subscribe","queue":"events"}`)
	c.expectAck()
}

func TestFetchHistory(t *testing.T) {
	b := newTestBroker(t, nil, false)
	c := b.connect(t)
	c.welcome()

	for i := 1; i <= 5; i++ {
		c.send(fmt.Sprintf(`{"type":"publish","queue":"events","message":{"n":%d}}`, i))
		c.expectAck()
	}

	c.send(`{"type":"fetch_history","queue":"events","limit":3}`)
	resp := c.read()
	require.Equal(t, protocol.RespHistory, resp.Type)
	assert.Equal(t, "events", resp.Queue)
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, uint64(3), resp.Messages[0].Sequence)
	assert.Equal(t, uint64(5), resp.Messages[2].Sequence, "oldest to newest")
}

func TestSubscribeAllUnauthorized(t *testing.T) {
	b := newTestBroker(t, nil, false)
	monitor := b.connect(t)
	other := b.connect(t)
	monitor.welcome()
	other.welcome()

	monitor.send(`{"type":"subscribe_all"}`)
	resp := monitor.expectError()
	assert.Contains(t, resp.Reason, "not allowed")

	// no state change: traffic on queues it never joined stays invisible
	other.send(`{"type":"publish","queue":"secret","message":{"s":1}}`)
	other.expectAck()
	monitor.expectNoFrame()
}

func TestSubscribeAllAuthorized(t *testing.T) {
	b := newTestBroker(t, []string{"pipe"}, false)
	monitor := b.connect(t)
	other := b.connect(t)
	monitor.welcome()
	other.welcome()

	monitor.send(`{"type":"subscribe_all"}`)
	monitor.expectAck()

	other.send(`{"type":"publish","queue":"anything","message":{"x":1}}`)
	other.expectAck()

	msg := monitor.read()
	assert.Equal(t, protocol.RespMessage, msg.Type)
	assert.Equal(t, "anything", msg.Queue)
}

func TestReplicateRequiresHandshake(t *testing.T) {
	b := newTestBroker(t, nil, false)
	c := b.connect(t)
	c.welcome()

	c.send(`{"type":"replicate","queue":"events","payload":{},"origin":"node-b","sequence":1}`)
	resp := c.expectError()
	assert.Contains(t, resp.Reason, "replicate_request")
}

func TestReplicateRequestUnauthorized(t *testing.T) {
	b := newTestBroker(t, nil, false)
	c := b.connect(t)
	c.welcome()

	c.send(`{"type":"replicate_request","node":"node-b"}`)
	resp := c.expectError()
	assert.Contains(t, resp.Reason, "not allowed")
	assert.False(t, c.sess.Options().Replicant)
}

func TestReplicateFlow(t *testing.T) {
	b := newTestBroker(t, []string{"node-b"}, false)
	peer := b.connect(t)
	sub := b.connect(t)
	peer.welcome()
	sub.welcome()

	sub.send(`{"type":"subscribe","queue":"events"}`)
	sub.expectAck()

	peer.send(`{"type":"replicate_request","node":"node-b"}`)
	peer.expectAck()
	assert.True(t, peer.sess.Options().Replicant)

	peer.send(`{"type":"replicate","queue":"events","payload":{"r":1},"origin":"node-b","sequence":1,"timestamp":1700000000000}`)

	msg := sub.read()
	assert.Equal(t, protocol.RespMessage, msg.Type)
	assert.Equal(t, "node-b", msg.Origin)
	assert.Equal(t, uint64(1), msg.Sequence)
	assert.JSONEq(t, `{"r":1}`, string(msg.Payload))

	// replicated frames get no ack and enter the queue history
	peer.expectNoFrame()
	assert.Len(t, b.registry.FetchHistory("events", 0), 1)

	// a duplicate (origin, sequence) is discarded silently
	peer.send(`{"type":"replicate","queue":"events","payload":{"r":1},"origin":"node-b","sequence":1,"timestamp":1700000000000}`)
	sub.expectNoFrame()
	assert.Len(t, b.registry.FetchHistory("events", 0), 1)

	// a loop back to this node's own origin is discarded too
	peer.send(`{"type":"replicate","queue":"events","payload":{"l":1},"origin":"node-a","sequence":9,"timestamp":1700000000000}`)
	sub.expectNoFrame()
}

func TestCloseSessionPurgesSubscriptions(t *testing.T) {
	b := newTestBroker(t, nil, false)
	c1 := b.connect(t)
	c2 := b.connect(t)
	c1.welcome()
	c2.welcome()

	c1.send(`{"type":"subscribe","queue":"events"}`)
	c1.expectAck()

	privateQueue := c1.sess.ID
	b.router.CloseSession(c1.sess)

	_, ok := b.sessions.Get(privateQueue)
	assert.False(t, ok)
	assert.Equal(t, 0, b.registry.SubscriberCount("events"))

	// publishes after the close do not attempt delivery to it
	c2.send(`{"type":"publish","queue":"events","message":{"n":1}}`)
	c2.expectAck()

	// the private queue survives and still accumulates history
	c2.send(fmt.Sprintf(`{"type":"publish","queue":"%s","message":{"n":2}}`, privateQueue))
	c2.expectAck()
	assert.Len(t, b.registry.FetchHistory(privateQueue, 0), 1)
}

func TestStatus(t *testing.T) {
	b := newTestBroker(t, nil, false)
	c := b.connect(t)
	c.welcome()

	c.send(`{"type":"status"}`)
	resp := c.read()
	require.Equal(t, protocol.RespStatus, resp.Type)
	assert.Equal(t, "node-a", resp.Server)
	assert.Equal(t, 1, resp.Connections)
	assert.Equal(t, 1, resp.Queues, "the private queue counts")
	assert.Empty(t, resp.Peers)
}
