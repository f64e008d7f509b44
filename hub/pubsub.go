package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tidwall/gjson"

	"github.com/casualjim/beacon/channel"
	"github.com/casualjim/beacon/eventlog"
	"github.com/casualjim/beacon/pkg/slogx"
	"github.com/casualjim/beacon/wire"
)

// ErrConnectionNotFound is returned by operations that need a registered
// connection. Teardown paths never return it; they are no-ops instead.
var ErrConnectionNotFound = errors.New("connection not found")

// ForbiddenError reports an authorization denial for one channel.
type ForbiddenError struct {
	Channel channel.Channel
	Reason  string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("subscribe to %s forbidden: %s", e.Channel, e.Reason)
}

// SubscribeResult carries the replay outcome of a subscribe: the events the
// client missed, in order, and the cursor acknowledging the newest of them.
type SubscribeResult struct {
	Cursor      uint64
	CursorValid bool
	Missed      []eventlog.Event
}

// Subscribe authorizes and records a subscription, replaying missed events.
// On denial no state changes and no log read happens; the caller receives a
// *ForbiddenError. The authorization decision is taken fresh on every call,
// never cached from a previous subscribe.
func (h *Hub) Subscribe(id string, ch channel.Channel, cursor *uint64) (SubscribeResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, exists := h.conns[id]
	if !exists {
		return SubscribeResult{}, ErrConnectionNotFound
	}

	if decision := h.policy.CanSubscribe(c.auth, ch); !decision.Allowed {
		return SubscribeResult{}, &ForbiddenError{Channel: ch, Reason: decision.Reason}
	}

	missed, valid := h.store.ReadAfter(ch, cursor, h.replayLimit)

	ack := uint64(0)
	if cursor != nil {
		ack = *cursor
	}
	if len(missed) > 0 {
		ack = missed[len(missed)-1].Cursor
	}

	key := ch.String()
	c.subscriptions[key] = ack
	set := h.subscribers[key]
	if set == nil {
		set = make(map[string]struct{})
		h.subscribers[key] = set
	}
	set[id] = struct{}{}

	return SubscribeResult{Cursor: ack, CursorValid: valid, Missed: missed}, nil
}

// Unsubscribe removes the subscription. Unknown connection ids or channels
// are no-ops; the second call of a double-unsubscribe has no effect.
func (h *Hub) Unsubscribe(id string, ch channel.Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, exists := h.conns[id]
	if !exists {
		return
	}
	key := ch.String()
	if _, subscribed := c.subscriptions[key]; !subscribed {
		return
	}
	delete(c.subscriptions, key)
	h.dropSubscriber(key, id)
}

// Publish appends the event to the channel's log and fans it out to every
// current subscriber of that exact channel key. Append and fan-out happen
// under the hub lock as one unit, so concurrent publishers to one channel
// deliver in cursor order. A failing socket is logged and skipped; it
// neither aborts delivery to the remaining subscribers nor removes the
// subscription. Only unsubscribe or connection close do that.
func (h *Hub) Publish(ch channel.Channel, eventType string, payload any, meta gjson.Result) (eventlog.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	event, err := h.store.Append(ch, eventType, payload, meta)
	if err != nil {
		return eventlog.Event{}, err
	}
	h.published++

	key := ch.String()
	for id := range h.subscribers[key] {
		c, exists := h.conns[id]
		if !exists {
			continue
		}
		if err := c.conn.Send(wire.Message{Event: event}); err != nil {
			h.deliveryFailures++
			slog.Warn("event delivery failed",
				slogx.Error(err),
				"connection", id,
				slogx.Stringer("channel", ch),
				"cursor", event.Cursor,
			)
			continue
		}
		c.subscriptions[key] = event.Cursor
		h.delivered++
	}
	return event, nil
}

// ChannelReplay is the per-channel outcome of a reconnect.
type ChannelReplay struct {
	Channel     string
	Cursor      uint64
	CursorValid bool
	Missed      []eventlog.Event
	Denied      string
	Throttled   bool
}

// HandleReconnect re-subscribes the connection to each requested channel
// from its own cursor. Every channel is authorized independently and
// freshly: an identity that lost access since the original subscribe loses
// the channel here too, including any subscription it still held. Channels
// beyond the hub's active-replay budget are reported as throttled without a
// log read; the client re-issues a reconnect for those. Channel keys that do
// not parse are skipped.
func (h *Hub) HandleReconnect(id string, cursors map[string]uint64) ([]ChannelReplay, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, exists := h.conns[id]
	if !exists {
		return nil, ErrConnectionNotFound
	}

	keys := make([]string, 0, len(cursors))
	for key := range cursors {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	results := make([]ChannelReplay, 0, len(keys))
	c.activeReplays = 0
	for _, key := range keys {
		ch, ok := channel.Parse(key)
		if !ok {
			continue
		}

		if decision := h.policy.CanSubscribe(c.auth, ch); !decision.Allowed {
			delete(c.subscriptions, ch.String())
			h.dropSubscriber(ch.String(), id)
			results = append(results, ChannelReplay{Channel: ch.String(), Denied: decision.Reason})
			continue
		}

		if c.activeReplays >= h.maxActiveReplays {
			results = append(results, ChannelReplay{Channel: ch.String(), Cursor: cursors[key], Throttled: true})
			continue
		}
		c.activeReplays++

		cursor := cursors[key]
		missed, valid := h.store.ReadAfter(ch, &cursor, h.replayLimit)
		ack := cursor
		if len(missed) > 0 {
			ack = missed[len(missed)-1].Cursor
		}

		c.subscriptions[ch.String()] = ack
		set := h.subscribers[ch.String()]
		if set == nil {
			set = make(map[string]struct{})
			h.subscribers[ch.String()] = set
		}
		set[id] = struct{}{}

		results = append(results, ChannelReplay{
			Channel:     ch.String(),
			Cursor:      ack,
			CursorValid: valid,
			Missed:      missed,
		})
	}
	return results, nil
}
