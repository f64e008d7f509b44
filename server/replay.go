package server

import (
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/uptrace/bunrouter"

	"github.com/casualjim/beacon/auth"
	"github.com/casualjim/beacon/channel"
	"github.com/casualjim/beacon/eventlog"
)

// replayResponse is the body of GET /replay.
type replayResponse struct {
	Channel       string           `json:"channel"`
	Messages      []eventlog.Event `json:"messages"`
	Cursor        string           `json:"cursor"`
	CursorExpired bool             `json:"cursorExpired"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleReplay performs the same authorize-and-replay as a socket subscribe,
// without a live connection, for polling clients.
func (s *Server) handleReplay(w http.ResponseWriter, req bunrouter.Request) error {
	query := req.URL.Query()

	ch, ok := channel.Parse(query.Get("channel"))
	if !ok {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid channel: " + query.Get("channel")})
	}

	// absent an end-user identity this route is a trusted in-process caller
	ac := s.authorize(req.Request)
	if ac.IsGuest() {
		ac = auth.Internal()
	}

	if decision := s.policy.CanSubscribe(ac, ch); !decision.Allowed {
		return writeJSON(w, http.StatusForbidden, errorResponse{Error: decision.Reason})
	}

	var cursor *uint64
	if raw := query.Get("cursor"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid cursor: " + raw})
		}
		cursor = &parsed
	}

	limit := s.replayLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit: " + raw})
		}
		if parsed < limit {
			limit = parsed
		}
	}

	events, valid := s.store.ReadAfter(ch, cursor, limit)

	ack := uint64(0)
	if cursor != nil {
		ack = *cursor
	}
	if len(events) > 0 {
		ack = events[len(events)-1].Cursor
	}

	return writeJSON(w, http.StatusOK, replayResponse{
		Channel:       ch.String(),
		Messages:      events,
		Cursor:        strconv.FormatUint(ack, 10),
		CursorExpired: !valid,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, req bunrouter.Request) error {
	return writeJSON(w, http.StatusOK, s.hub.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
