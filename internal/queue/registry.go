// Package queue owns the broker's routing state: queue subscriber sets,
// bounded per-queue history and per-origin sequence counters. All mutation
// goes through the Registry, which serializes access with a single mutex so
// history eviction and subscriber snapshots stay atomic under concurrent
// publishes.
package queue

import (
	"sync"
	"time"

	"github.com/coremq-dev/coremq/internal/protocol"
)

// HistoryLimit is the per-queue history capacity. Inserting into a full
// history evicts the oldest entry.
const HistoryLimit = 10

type queueState struct {
	subscribers map[string]struct{}
	history     []protocol.Message
}

func newQueueState() *queueState {
	return &queueState{subscribers: make(map[string]struct{})}
}

// Registry maps queue names to their subscriber sets and history. Queues are
// created lazily on first subscribe or publish and live for the process
// lifetime.
type Registry struct {
	mu        sync.Mutex
	queues    map[string]*queueState
	sequences map[string]uint64
	monitors  map[string]struct{}
	// bySession mirrors queue membership per session id so that close can
	// purge a session without walking every queue.
	bySession map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		queues:    make(map[string]*queueState),
		sequences: make(map[string]uint64),
		monitors:  make(map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) queue(name string) *queueState {
	q, ok := r.queues[name]
	if !ok {
		q = newQueueState()
		r.queues[name] = q
	}
	return q
}

// Subscribe adds the session to the queue's subscriber set, creating the
// queue if needed. Idempotent.
func (r *Registry) Subscribe(sessionID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queue(name).subscribers[sessionID] = struct{}{}
	subs, ok := r.bySession[sessionID]
	if !ok {
		subs = make(map[string]struct{})
		r.bySession[sessionID] = subs
	}
	subs[name] = struct{}{}
}

// Unsubscribe removes the session from the queue's subscriber set. Idempotent;
// the queue and its history survive even with no subscribers left.
func (r *Registry) Unsubscribe(sessionID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.queues[name]; ok {
		delete(q.subscribers, sessionID)
	}
	if subs, ok := r.bySession[sessionID]; ok {
		delete(subs, name)
	}
}

// AddMonitor grants the session delivery from every existing and future
// queue. Used by subscribe_all after access-gate authorization.
func (r *Registry) AddMonitor(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitors[sessionID] = struct{}{}
}

// RemoveSession purges the session from every subscriber set and the monitor
// set. Queue objects and history are left intact.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs, ok := r.bySession[sessionID]; ok {
		for name := range subs {
			if q, ok := r.queues[name]; ok {
				delete(q.subscribers, sessionID)
			}
		}
		delete(r.bySession, sessionID)
	}
	delete(r.monitors, sessionID)
}

// Subscriptions returns the queue names the session currently subscribes to.
func (r *Registry) Subscriptions(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.bySession[sessionID]
	names := make([]string, 0, len(subs))
	for name := range subs {
		names = append(names, name)
	}
	return names
}

// Publish assigns the next per-origin sequence number, stores the message in
// the queue's history and returns it together with a snapshot of the current
// recipients (subscribers plus monitors). Delivery against the snapshot is
// the caller's job.
func (r *Registry) Publish(name string, payload []byte, origin, sender string) (protocol.Message, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sequences[origin]++
	msg := protocol.Message{
		Queue:     name,
		Payload:   payload,
		Origin:    origin,
		Sender:    sender,
		Sequence:  r.sequences[origin],
		Timestamp: time.Now().UnixMilli(),
	}
	return msg, r.apply(msg)
}

// Apply ingests a message that already carries its origin sequence number,
// i.e. one received via replication. The per-origin counter is advanced to
// the high-water mark so a later local publish never reuses a sequence.
func (r *Registry) Apply(msg protocol.Message) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.Sequence > r.sequences[msg.Origin] {
		r.sequences[msg.Origin] = msg.Sequence
	}
	return r.apply(msg)
}

func (r *Registry) apply(msg protocol.Message) []string {
	q := r.queue(msg.Queue)
	if len(q.history) == HistoryLimit {
		copy(q.history, q.history[1:])
		q.history[HistoryLimit-1] = msg
	} else {
		q.history = append(q.history, msg)
	}

	recipients := make([]string, 0, len(q.subscribers)+len(r.monitors))
	for id := range q.subscribers {
		recipients = append(recipients, id)
	}
	for id := range r.monitors {
		if _, dup := q.subscribers[id]; !dup {
			recipients = append(recipients, id)
		}
	}
	return recipients
}

// FetchHistory returns up to limit most recent entries, oldest to newest, as
// an immutable snapshot. Limit is capped at HistoryLimit; zero or negative
// means everything retained.
func (r *Registry) FetchHistory(name string, limit int) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[name]
	if !ok {
		return nil
	}
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}
	if limit > len(q.history) {
		limit = len(q.history)
	}
	out := make([]protocol.Message, limit)
	copy(out, q.history[len(q.history)-limit:])
	return out
}

// SubscriberCount reports the subscriber set size of a queue.
func (r *Registry) SubscriberCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.queues[name]; ok {
		return len(q.subscribers)
	}
	return 0
}

// QueueCount reports how many queues exist.
func (r *Registry) QueueCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}
