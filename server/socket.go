package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-openapi/strfmt"
	"golang.org/x/time/rate"

	"github.com/casualjim/beacon/channel"
	"github.com/casualjim/beacon/eventlog"
	"github.com/casualjim/beacon/hub"
	"github.com/casualjim/beacon/pkg/slogx"
	"github.com/casualjim/beacon/pkg/uuidx"
	"github.com/casualjim/beacon/wire"
)

const (
	outboundQueueSize = 256
	writeTimeout      = 10 * time.Second
)

var errSlowConsumer = errors.New("outbound queue full")

// wsConn adapts a websocket to hub.Conn. Send never blocks: frames are
// queued and flushed by a dedicated writer goroutine, so a slow socket
// surfaces as a delivery failure instead of stalling the hub.
type wsConn struct {
	id       string
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	outbound chan []byte
	once     sync.Once
}

func newWSConn(parent context.Context, conn *websocket.Conn) *wsConn {
	ctx, cancel := context.WithCancel(parent)
	wc := &wsConn{
		id:       uuidx.NewString(),
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan []byte, outboundQueueSize),
	}
	go wc.writeLoop()
	return wc
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(frame wire.Frame) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	select {
	case c.outbound <- data:
		return nil
	default:
		return errSlowConsumer
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.outbound:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("socket write failed", slogx.Error(err), "connection", c.id)
				c.cancel()
				return
			}
		}
	}
}

func (c *wsConn) shutdown(reason string) {
	c.once.Do(func() {
		c.cancel()
		_ = c.conn.Close(websocket.StatusGoingAway, reason)
	})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ac := s.authorize(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		slog.Debug("websocket accept failed", slogx.Error(err))
		return
	}

	wc := newWSConn(r.Context(), conn)
	s.sockets.Set(wc.id, wc)
	s.hub.AddConnection(wc, ac)
	defer func() {
		s.hub.RemoveConnection(wc.id)
		s.sockets.Del(wc.id)
		wc.shutdown("connection closed")
	}()

	s.send(wc, wire.Connected{
		ConnectionID: wc.id,
		ServerTime:   strfmt.DateTime(s.clock()),
	})

	// Pre-attached subscriptions pass through the same authorization gate as
	// an explicit subscribe; a denied or malformed one is dropped silently.
	if attached := r.URL.Query().Get("channels"); attached != "" {
		for _, raw := range strings.Split(attached, ",") {
			ch, ok := channel.Parse(strings.TrimSpace(raw))
			if !ok {
				continue
			}
			result, err := s.hub.Subscribe(wc.id, ch, nil)
			if err != nil {
				continue
			}
			s.deliver(wc, result.Missed)
			s.send(wc, wire.Subscribed{Channel: ch.String(), Cursor: result.Cursor})
		}
	}

	s.readLoop(wc)
}

func (s *Server) readLoop(wc *wsConn) {
	limiter := rate.NewLimiter(rate.Limit(s.messageRate), s.messageBurst)
	for {
		_, data, err := wc.conn.Read(wc.ctx)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			s.send(wc, wire.Error{Code: wire.CodeRateLimited, Message: "message rate exceeded"})
			continue
		}
		frame, err := wire.ParseClientFrame(data)
		if err != nil {
			s.send(wc, wire.Error{Code: wire.CodeInvalidFormat, Message: err.Error()})
			continue
		}
		s.dispatch(wc, frame)
	}
}

func (s *Server) dispatch(wc *wsConn, frame wire.ClientFrame) {
	switch frame := frame.(type) {
	case wire.Subscribe:
		ch, ok := channel.Parse(frame.Channel)
		if !ok {
			s.send(wc, wire.Error{
				Code:    wire.CodeInvalidFormat,
				Message: "invalid channel",
				Channel: frame.Channel,
			})
			return
		}
		result, err := s.hub.Subscribe(wc.id, ch, frame.Cursor)
		if err != nil {
			var forbidden *hub.ForbiddenError
			if errors.As(err, &forbidden) {
				s.send(wc, wire.Error{
					Code:    wire.CodeForbidden,
					Message: forbidden.Reason,
					Channel: ch.String(),
				})
			}
			return
		}
		// replay strictly precedes the acknowledgement
		s.deliver(wc, result.Missed)
		s.send(wc, wire.Subscribed{
			Channel:       ch.String(),
			Cursor:        result.Cursor,
			CursorExpired: !result.CursorValid,
		})

	case wire.Unsubscribe:
		ch, ok := channel.Parse(frame.Channel)
		if !ok {
			s.send(wc, wire.Error{
				Code:    wire.CodeInvalidFormat,
				Message: "invalid channel",
				Channel: frame.Channel,
			})
			return
		}
		s.hub.Unsubscribe(wc.id, ch)
		s.send(wc, wire.Unsubscribed{Channel: ch.String()})

	case wire.Ping:
		s.hub.Touch(wc.id)
		s.send(wc, wire.Pong{
			Timestamp:  frame.Timestamp,
			ServerTime: strfmt.DateTime(s.clock()),
			Cursors:    s.hub.Cursors(wc.id),
		})

	case wire.Reconnect:
		results, err := s.hub.HandleReconnect(wc.id, frame.Cursors)
		if err != nil {
			return
		}
		consolidated := make([]wire.ChannelResult, 0, len(results))
		for _, r := range results {
			s.deliver(wc, r.Missed)
			entry := wire.ChannelResult{
				Channel:     r.Channel,
				Cursor:      r.Cursor,
				CursorValid: r.CursorValid,
			}
			switch {
			case r.Denied != "":
				entry.Error = r.Denied
			case r.Throttled:
				entry.Error = "replay throttled, retry this channel"
			}
			consolidated = append(consolidated, entry)
		}
		s.send(wc, wire.Reconnected{Channels: consolidated})
	}
}

func (s *Server) deliver(wc *wsConn, events []eventlog.Event) {
	for _, event := range events {
		s.send(wc, wire.Message{Event: event})
	}
}

func (s *Server) send(wc *wsConn, frame wire.Frame) {
	if err := wc.Send(frame); err != nil {
		slog.Debug("dropping frame", slogx.Error(err), "connection", wc.id)
	}
}
