// Package server exposes the hub over the network: a websocket endpoint
// speaking the wire protocol, an HTTP replay endpoint for polling clients,
// and a stats endpoint. It also runs the idle-connection sweep that closes
// sockets whose heartbeats stopped.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/fogfish/opts"
	"github.com/uptrace/bunrouter"

	"github.com/casualjim/beacon/auth"
	"github.com/casualjim/beacon/eventlog"
	"github.com/casualjim/beacon/hub"
)

const (
	defaultHeartbeatTimeout = 90 * time.Second
	defaultSweepInterval    = 15 * time.Second
	defaultReplayLimit      = 100
	defaultMessageRate      = 50.0
	defaultMessageBurst     = 100
)

// Authorizer resolves the identity attached to an incoming request.
type Authorizer func(r *http.Request) auth.Context

// closable is a registered socket the sweep can shut down.
type closable interface {
	shutdown(reason string)
}

// Server serves the realtime hub over HTTP and websockets.
type Server struct {
	hub    *hub.Hub
	store  *eventlog.Store
	policy *auth.Policy

	sockets *haxmap.Map[string, closable]

	authorize        Authorizer
	heartbeatTimeout time.Duration
	sweepInterval    time.Duration
	replayLimit      int
	messageRate      float64
	messageBurst     int
	clock            func() time.Time
}

var (
	// WithHeartbeatTimeout sets how long a connection may stay silent before
	// the sweep closes it.
	WithHeartbeatTimeout = opts.ForName[Server, time.Duration]("heartbeatTimeout")

	// WithSweepInterval sets how often the idle sweep runs.
	WithSweepInterval = opts.ForName[Server, time.Duration]("sweepInterval")

	// WithReplayLimit caps the events returned by the HTTP replay endpoint.
	WithReplayLimit = opts.ForName[Server, int]("replayLimit")

	// WithAuthorizer replaces the header-based identity resolver.
	WithAuthorizer = opts.ForName[Server, Authorizer]("authorize")

	// WithClock overrides the time source, mostly for tests.
	WithClock = opts.ForName[Server, func() time.Time]("clock")
)

// WithMessageRate tunes the per-connection inbound frame limiter.
func WithMessageRate(perSecond float64, burst int) opts.Option[Server] {
	return opts.Type[Server](func(s *Server) error {
		if perSecond <= 0 || burst <= 0 {
			return fmt.Errorf("message rate and burst must be positive, got %v/%d", perSecond, burst)
		}
		s.messageRate = perSecond
		s.messageBurst = burst
		return nil
	})
}

// New constructs the server. Hub, store, and policy are required.
func New(h *hub.Hub, store *eventlog.Store, policy *auth.Policy, options ...opts.Option[Server]) (*Server, error) {
	if h == nil {
		panic("hub cannot be nil")
	}
	if store == nil {
		panic("store cannot be nil")
	}
	if policy == nil {
		panic("policy cannot be nil")
	}
	s := &Server{
		hub:              h,
		store:            store,
		policy:           policy,
		sockets:          haxmap.New[string, closable](),
		authorize:        HeaderAuthorizer,
		heartbeatTimeout: defaultHeartbeatTimeout,
		sweepInterval:    defaultSweepInterval,
		replayLimit:      defaultReplayLimit,
		messageRate:      defaultMessageRate,
		messageBurst:     defaultMessageBurst,
		clock:            time.Now,
	}
	if err := opts.Apply(s, options); err != nil {
		return nil, err
	}
	if s.replayLimit <= 0 {
		return nil, fmt.Errorf("replay limit must be positive, got %d", s.replayLimit)
	}
	return s, nil
}

// Handler returns the HTTP routes: GET /ws, GET /replay, GET /stats,
// GET /healthz.
func (s *Server) Handler() http.Handler {
	router := bunrouter.New()
	router.GET("/ws", bunrouter.HTTPHandlerFunc(s.handleSocket))
	router.GET("/replay", s.handleReplay)
	router.GET("/stats", s.handleStats)
	router.GET("/healthz", func(w http.ResponseWriter, req bunrouter.Request) error {
		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte("ok"))
		return err
	})
	return router
}

// Run blocks sweeping idle connections until the context is canceled.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if closed := s.reapIdle(); closed > 0 {
				slog.Info("closed idle connections", "count", closed)
			}
		}
	}
}

// reapIdle closes every connection whose last heartbeat is older than the
// timeout and returns how many it closed.
func (s *Server) reapIdle() int {
	closed := 0
	for _, id := range s.hub.IdleSince(s.heartbeatTimeout) {
		if socket, ok := s.sockets.Get(id); ok {
			socket.shutdown("heartbeat timeout")
			s.sockets.Del(id)
		}
		s.hub.RemoveConnection(id)
		closed++
	}
	return closed
}

// Shutdown closes all live sockets. The hub itself carries no goroutines;
// connections drain through their read loops.
func (s *Server) Shutdown() {
	s.sockets.ForEach(func(id string, socket closable) bool {
		socket.shutdown("server shutting down")
		s.sockets.Del(id)
		s.hub.RemoveConnection(id)
		return true
	})
}

// HeaderAuthorizer is the default identity resolver: it trusts the identity
// headers a fronting gateway injects after authentication. Requests with no
// identity headers resolve to the guest identity.
func HeaderAuthorizer(r *http.Request) auth.Context {
	if r.Header.Get("X-Beacon-Internal") == "true" {
		return auth.Internal()
	}
	workspaces := r.Header.Values("X-Workspace-Id")
	if userID := r.Header.Get("X-User-Id"); userID != "" {
		return auth.User(userID, workspaces...)
	}
	if keyID := r.Header.Get("X-Api-Key-Id"); keyID != "" {
		return auth.APIKey(keyID, workspaces...)
	}
	return auth.Guest()
}
