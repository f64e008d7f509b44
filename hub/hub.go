// Package hub is the realtime channel hub: it owns the connection registry,
// the per-connection subscription tables, and the fan-out of published
// events to live subscribers, backed by the bounded per-channel event logs
// in eventlog and gated by the subscription policy in auth.
//
// Every hub operation runs to completion under one lock before the next
// begins, which is what makes replay-then-acknowledge ordering correct.
// Socket writes must therefore never block inside Conn.Send; transports
// enqueue and flush on their own goroutine.
package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/fogfish/opts"

	"github.com/casualjim/beacon/auth"
	"github.com/casualjim/beacon/eventlog"
	"github.com/casualjim/beacon/wire"
)

const (
	defaultReplayLimit      = 100
	defaultMaxActiveReplays = 8
)

// Conn is the hub's view of a client connection. Send must not block: a
// transport that cannot accept the frame immediately returns an error and
// the hub treats it as a delivery failure for that frame only.
type Conn interface {
	ID() string
	Send(frame wire.Frame) error
}

// connection is the per-socket state. Mutated only by the hub, destroyed on
// close with nothing left behind.
type connection struct {
	conn          Conn
	auth          auth.Context
	subscriptions map[string]uint64 // channel key -> last delivered cursor, 0 before the first event
	lastHeartbeat time.Time
	activeReplays int // replays consumed by the reconnect in progress
}

// Hub wires the connection registry, the event store, and the subscription
// policy together. Construct with New, one instance per process.
type Hub struct {
	mu          sync.Mutex
	conns       map[string]*connection
	subscribers map[string]map[string]struct{} // channel key -> connection ids

	store  *eventlog.Store
	policy *auth.Policy

	replayLimit      int
	maxActiveReplays int
	clock            func() time.Time

	published        int64
	delivered        int64
	deliveryFailures int64
}

var (
	// WithReplayLimit caps how many missed events a single subscribe or
	// reconnect replays per channel.
	WithReplayLimit = opts.ForName[Hub, int]("replayLimit")

	// WithMaxActiveReplays caps the per-channel replays a single reconnect
	// may perform, so one multi-channel reconnect cannot monopolize the hub.
	WithMaxActiveReplays = opts.ForName[Hub, int]("maxActiveReplays")

	// WithClock overrides the time source, mostly for tests.
	WithClock = opts.ForName[Hub, func() time.Time]("clock")
)

// New constructs a hub. Both the store and the policy are required.
func New(store *eventlog.Store, policy *auth.Policy, options ...opts.Option[Hub]) (*Hub, error) {
	if store == nil {
		panic("store cannot be nil")
	}
	if policy == nil {
		panic("policy cannot be nil")
	}
	h := &Hub{
		conns:            make(map[string]*connection),
		subscribers:      make(map[string]map[string]struct{}),
		store:            store,
		policy:           policy,
		replayLimit:      defaultReplayLimit,
		maxActiveReplays: defaultMaxActiveReplays,
		clock:            time.Now,
	}
	if err := opts.Apply(h, options); err != nil {
		return nil, err
	}
	if h.replayLimit <= 0 {
		return nil, fmt.Errorf("replay limit must be positive, got %d", h.replayLimit)
	}
	if h.maxActiveReplays <= 0 {
		return nil, fmt.Errorf("max active replays must be positive, got %d", h.maxActiveReplays)
	}
	return h, nil
}

// AddConnection registers a connection under its id with the resolved
// identity for its lifetime. Re-adding an existing id is a no-op.
func (h *Hub) AddConnection(conn Conn, ac auth.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.conns[conn.ID()]; exists {
		return
	}
	h.conns[conn.ID()] = &connection{
		conn:          conn,
		auth:          ac,
		subscriptions: make(map[string]uint64),
		lastHeartbeat: h.clock(),
	}
}

// RemoveConnection tears down a connection and all its subscriptions.
// Removing an unknown id is a no-op, so close paths may race freely.
func (h *Hub) RemoveConnection(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, exists := h.conns[id]
	if !exists {
		return
	}
	for key := range c.subscriptions {
		h.dropSubscriber(key, id)
	}
	delete(h.conns, id)
}

// Touch records a heartbeat for the connection. Unknown ids are ignored.
func (h *Hub) Touch(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, exists := h.conns[id]; exists {
		c.lastHeartbeat = h.clock()
	}
}

// IdleSince returns the ids of connections whose last heartbeat is older
// than the timeout. The caller decides what to do with them; the hub does
// not evict on its own.
func (h *Hub) IdleSince(timeout time.Duration) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	deadline := h.clock().Add(-timeout)
	var idle []string
	for id, c := range h.conns {
		if c.lastHeartbeat.Before(deadline) {
			idle = append(idle, id)
		}
	}
	return idle
}

// Cursors returns a copy of the connection's subscription table: channel key
// to last delivered cursor. Used by the protocol layer to answer pings.
func (h *Hub) Cursors(id string) map[string]uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, exists := h.conns[id]
	if !exists {
		return nil
	}
	cursors := make(map[string]uint64, len(c.subscriptions))
	for key, cursor := range c.subscriptions {
		cursors[key] = cursor
	}
	return cursors
}

// Stats is a snapshot of the hub's counters.
type Stats struct {
	Connections      int   `json:"connections"`
	Subscriptions    int   `json:"subscriptions"`
	Published        int64 `json:"published"`
	Delivered        int64 `json:"delivered"`
	DeliveryFailures int64 `json:"deliveryFailures"`
}

// Stats returns a snapshot of the hub's counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := 0
	for _, c := range h.conns {
		subs += len(c.subscriptions)
	}
	return Stats{
		Connections:      len(h.conns),
		Subscriptions:    subs,
		Published:        h.published,
		Delivered:        h.delivered,
		DeliveryFailures: h.deliveryFailures,
	}
}

// Reset drops every connection, subscription, and channel log. For tests and
// full restarts.
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns = make(map[string]*connection)
	h.subscribers = make(map[string]map[string]struct{})
	h.published = 0
	h.delivered = 0
	h.deliveryFailures = 0
	h.store.Reset()
}

func (h *Hub) dropSubscriber(key, id string) {
	set := h.subscribers[key]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(h.subscribers, key)
	}
}
