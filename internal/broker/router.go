// Package broker executes decoded protocol commands against the queue
// registry, fans messages out to sessions and hands local publishes to the
// replication engine.
package broker

import (
	"net"

	"github.com/google/uuid"

	"github.com/coremq-dev/coremq/internal/access"
	"github.com/coremq-dev/coremq/internal/cluster"
	"github.com/coremq-dev/coremq/internal/logger"
	"github.com/coremq-dev/coremq/internal/metrics"
	"github.com/coremq-dev/coremq/internal/protocol"
	"github.com/coremq-dev/coremq/internal/queue"
	"github.com/coremq-dev/coremq/internal/session"
)

// Frame rejection reasons used as metric labels.
const (
	reasonMalformed    = "malformed"
	reasonUnknown      = "unknown_command"
	reasonMissingField = "missing_field"
	reasonUnauthorized = "unauthorized"
)

// Router owns command handling for all sessions. Per-session command order is
// preserved because the server dispatches one frame at a time per connection;
// cross-session interleaving is serialized inside the registry.
type Router struct {
	nodeName       string
	registry       *queue.Registry
	sessions       *session.Manager
	engine         *cluster.Engine
	gate           *access.Gate
	metrics        *metrics.Metrics
	noSelfDelivery bool
}

type Config struct {
	NodeName       string
	Registry       *queue.Registry
	Sessions       *session.Manager
	Engine         *cluster.Engine
	Gate           *access.Gate
	Metrics        *metrics.Metrics
	NoSelfDelivery bool
}

func NewRouter(cfg Config) *Router {
	return &Router{
		nodeName:       cfg.NodeName,
		registry:       cfg.Registry,
		sessions:       cfg.Sessions,
		engine:         cfg.Engine,
		gate:           cfg.Gate,
		metrics:        cfg.Metrics,
		noSelfDelivery: cfg.NoSelfDelivery,
	}
}

// Accept registers a new connection: it gets a fresh session id, is
// auto-subscribed to its private queue (named by the id) and receives the
// welcome frame. Ids are never reused across reconnects.
func (r *Router) Accept(conn net.Conn) *session.Session {
	s := session.New(uuid.NewString(), conn)
	r.sessions.Add(s)
	r.registry.Subscribe(s.ID, s.ID)
	if r.metrics != nil {
		r.metrics.SessionsActive.Inc()
	}
	r.respond(s, protocol.Response{
		Type:         protocol.RespWelcome,
		ConnectionID: s.ID,
		Server:       r.nodeName,
		Greeting:     "OK: Welcome to CoreMQ server",
	})
	return s
}

// CloseSession removes the session from every subscriber set and drops it.
// Queues it subscribed to, including its private one, survive.
func (r *Router) CloseSession(s *session.Session) {
	r.registry.RemoveSession(s.ID)
	if r.sessions.Remove(s.ID) && r.metrics != nil {
		r.metrics.SessionsActive.Dec()
	}
	s.Close()
}

// Dispatch handles one raw frame line from the session. Protocol errors are
// answered with an error frame and leave the connection usable.
func (r *Router) Dispatch(s *session.Session, line []byte) {
	cmd, err := protocol.DecodeCommand(line)
	if err != nil {
		r.reject(s, reasonMalformed, err.Error())
		return
	}

	switch cmd.Type {
	case protocol.CmdSubscribe:
		r.handleSubscribe(s, cmd)
	case protocol.CmdUnsubscribe:
		r.handleUnsubscribe(s, cmd)
	case protocol.CmdPublish:
		r.handlePublish(s, cmd)
	case protocol.CmdFetchHistory:
		r.handleFetchHistory(s, cmd)
	case protocol.CmdSubscribeAll:
		r.handleSubscribeAll(s)
	case protocol.CmdStatus:
		r.handleStatus(s)
	case protocol.CmdReplicateRequest:
		r.handleReplicateRequest(s, cmd)
	case protocol.CmdReplicate:
		r.handleReplicate(s, cmd)
	default:
		r.reject(s, reasonUnknown, "unknown command: "+cmd.Type)
	}
}

func (r *Router) handleSubscribe(s *session.Session, cmd protocol.Command) {
	if !r.requireQueue(s, cmd.Queue) {
		return
	}
	r.registry.Subscribe(s.ID, cmd.Queue)
	r.ack(s, "Subscribe successful")
}

func (r *Router) handleUnsubscribe(s *session.Session, cmd protocol.Command) {
	if !r.requireQueue(s, cmd.Queue) {
		return
	}
	r.registry.Unsubscribe(s.ID, cmd.Queue)
	r.ack(s, "Unsubscribe successful")
}

func (r *Router) handlePublish(s *session.Session, cmd protocol.Command) {
	if !r.requireQueue(s, cmd.Queue) {
		return
	}
	if len(cmd.Message) == 0 {
		r.reject(s, reasonMissingField, "publish requires a message field")
		return
	}

	msg, recipients := r.registry.Publish(cmd.Queue, cmd.Message, r.nodeName, s.ID)
	if r.metrics != nil {
		r.metrics.MessagesPublished.WithLabelValues("local").Inc()
	}
	r.deliver(msg, recipients, s.ID)

	// replication outcome never fails the local publish
	if r.engine != nil {
		r.engine.ForwardLocal(msg)
	}
	r.ack(s, "Message sent")
}

func (r *Router) handleFetchHistory(s *session.Session, cmd protocol.Command) {
	if !r.requireQueue(s, cmd.Queue) {
		return
	}
	messages := r.registry.FetchHistory(cmd.Queue, cmd.Limit)
	r.respond(s, protocol.Response{
		Type:     protocol.RespHistory,
		Queue:    cmd.Queue,
		Messages: messages,
	})
}

func (r *Router) handleSubscribeAll(s *session.Session) {
	if !r.authorized(s) {
		r.reject(s, reasonUnauthorized, "not allowed to monitor all queues")
		return
	}
	r.registry.AddMonitor(s.ID)
	r.ack(s, "Monitor subscription successful")
}

func (r *Router) handleStatus(s *session.Session) {
	resp := protocol.Response{
		Type:        protocol.RespStatus,
		Server:      r.nodeName,
		Connections: r.sessions.Count(),
		Queues:      r.registry.QueueCount(),
	}
	if r.engine != nil {
		resp.Peers = r.engine.ConnectedPeers()
	}
	r.respond(s, resp)
}

func (r *Router) handleReplicateRequest(s *session.Session, cmd protocol.Command) {
	if cmd.Node == "" {
		r.reject(s, reasonMissingField, "replicate_request requires a node field")
		return
	}
	if !r.gate.Authorize(s.RemoteHost, s.ResolvedHost, cmd.Node) {
		r.reject(s, reasonUnauthorized, "not allowed to be a replicant")
		return
	}
	s.PromoteReplicant(cmd.Node)
	logger.InfoF("New replicant: %s (%s)", cmd.Node, s.RemoteAddr)
	r.ack(s, "Replication request successful")
}

// handleReplicate ingests one flooded peer message. Loops and duplicates are
// discarded silently; fresh messages enter the same publish path as local
// traffic, preserving their origin and sequence. No ack is sent on the
// replication path.
func (r *Router) handleReplicate(s *session.Session, cmd protocol.Command) {
	if !s.Options().Replicant {
		r.reject(s, reasonUnauthorized, "replicate requires a successful replicate_request")
		return
	}
	if cmd.Queue == "" || cmd.Origin == "" || cmd.Sequence == 0 {
		r.reject(s, reasonMissingField, "replicate requires queue, origin and sequence fields")
		return
	}

	msg := protocol.Message{
		Queue:     cmd.Queue,
		Payload:   cmd.Payload,
		Origin:    cmd.Origin,
		Sender:    cmd.Sender,
		Sequence:  cmd.Sequence,
		Timestamp: cmd.Timestamp,
	}
	if r.engine == nil || !r.engine.Ingest(msg, s.Options().PeerNode) {
		return
	}
	if r.metrics != nil {
		r.metrics.MessagesPublished.WithLabelValues("replicated").Inc()
	}
	recipients := r.registry.Apply(msg)
	r.deliver(msg, recipients, "")
}

func (r *Router) authorized(s *session.Session) bool {
	return r.gate.Authorize(s.RemoteHost, s.ResolvedHost, s.Options().PeerNode)
}

// deliver fans one message out to the snapshotted recipients. Sessions gone
// by delivery time are skipped; enqueue failures only affect that session.
func (r *Router) deliver(msg protocol.Message, recipients []string, senderID string) {
	data, err := protocol.EncodeResponse(protocol.MessageFrame(msg))
	if err != nil {
		logger.ErrorF("Fail to encode message frame for queue %s, details: %v", msg.Queue, err)
		return
	}
	for _, id := range recipients {
		if r.noSelfDelivery && id == senderID {
			continue
		}
		target, ok := r.sessions.Get(id)
		if !ok {
			continue
		}
		if err := target.Enqueue(data); err != nil {
			if r.metrics != nil {
				r.metrics.MessagesDropped.Inc()
			}
			continue
		}
		if r.metrics != nil {
			r.metrics.MessagesDelivered.Inc()
		}
	}
}

func (r *Router) requireQueue(s *session.Session, name string) bool {
	if name == "" {
		r.reject(s, reasonMissingField, "missing queue field")
		return false
	}
	if err := protocol.ValidateQueueName(name); err != nil {
		r.reject(s, reasonMalformed, err.Error())
		return false
	}
	return true
}

func (r *Router) ack(s *session.Session, info string) {
	r.respond(s, protocol.Response{Type: protocol.RespAck, Info: "OK: " + info})
}

func (r *Router) reject(s *session.Session, reason, detail string) {
	if r.metrics != nil {
		r.metrics.FramesRejected.WithLabelValues(reason).Inc()
	}
	logger.DebugF("[%s] Rejected frame (%s): %s", s.ID, reason, detail)
	r.respond(s, protocol.Response{Type: protocol.RespError, Reason: detail})
}

func (r *Router) respond(s *session.Session, resp protocol.Response) {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		logger.ErrorF("[%s] Fail to encode %s frame, details: %v", s.ID, resp.Type, err)
		return
	}
	_ = s.Enqueue(data)
}
