package wire

import (
	"slices"
	"strconv"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/sjson"

	"github.com/casualjim/beacon/eventlog"
)

// Error codes carried by the Error frame.
const (
	CodeInvalidFormat = "INVALID_FORMAT"
	CodeForbidden     = "FORBIDDEN"
	CodeRateLimited   = "RATE_LIMITED"
)

var (
	connectedJSON    = []byte(`{"type":"connected"}`)
	subscribedJSON   = []byte(`{"type":"subscribed"}`)
	unsubscribedJSON = []byte(`{"type":"unsubscribed"}`)
	messageJSON      = []byte(`{"type":"message"}`)
	pongJSON         = []byte(`{"type":"pong"}`)
	reconnectedJSON  = []byte(`{"type":"reconnected"}`)
	errorJSON        = []byte(`{"type":"error"}`)
)

// Frame is a message the hub sends to a client.
type Frame interface {
	serverFrame()
}

// Encode serializes a server frame to its wire form.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Connected greets a freshly opened connection.
type Connected struct {
	ConnectionID string
	ServerTime   strfmt.DateTime
}

func (Connected) serverFrame() {}

// MarshalJSON implements custom JSON marshaling for Connected.
func (c Connected) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes(connectedJSON, "connectionId", c.ConnectionID)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(result, "serverTime", c.ServerTime.String())
}

// Subscribed acknowledges a subscription after any missed messages were
// replayed. Cursor is the replay watermark the client should persist; zero
// means the channel has no events yet. CursorExpired flags that the cursor
// the client resumed from fell out of the retention window, so the replayed
// tail may have a gap before it.
type Subscribed struct {
	Channel       string
	Cursor        uint64
	CursorExpired bool
}

func (Subscribed) serverFrame() {}

// MarshalJSON implements custom JSON marshaling for Subscribed.
func (s Subscribed) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes(subscribedJSON, "channel", s.Channel)
	if err != nil {
		return nil, err
	}
	result, err = sjson.SetBytes(result, "cursor", strconv.FormatUint(s.Cursor, 10))
	if err != nil {
		return nil, err
	}
	if s.CursorExpired {
		result, err = sjson.SetBytes(result, "cursorExpired", true)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Unsubscribed acknowledges an unsubscribe, regardless of prior state.
type Unsubscribed struct {
	Channel string
}

func (Unsubscribed) serverFrame() {}

// MarshalJSON implements custom JSON marshaling for Unsubscribed.
func (u Unsubscribed) MarshalJSON() ([]byte, error) {
	return sjson.SetBytes(unsubscribedJSON, "channel", u.Channel)
}

// Message delivers one event, live or replayed.
type Message struct {
	Event eventlog.Event
}

func (Message) serverFrame() {}

// MarshalJSON implements custom JSON marshaling for Message.
func (m Message) MarshalJSON() ([]byte, error) {
	event, err := json.Marshal(m.Event)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(messageJSON, "message", event)
}

// Pong answers a ping, echoing the client timestamp and reporting the
// connection's current subscriptions and cursors so the client can
// self-verify its view.
type Pong struct {
	Timestamp  int64
	ServerTime strfmt.DateTime
	Cursors    map[string]uint64
}

func (Pong) serverFrame() {}

// MarshalJSON implements custom JSON marshaling for Pong.
func (p Pong) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes(pongJSON, "timestamp", p.Timestamp)
	if err != nil {
		return nil, err
	}
	result, err = sjson.SetBytes(result, "serverTime", p.ServerTime.String())
	if err != nil {
		return nil, err
	}

	subscriptions := make([]string, 0, len(p.Cursors))
	cursors := map[string]string{}
	for ch, cursor := range p.Cursors {
		subscriptions = append(subscriptions, ch)
		cursors[ch] = strconv.FormatUint(cursor, 10)
	}
	slices.Sort(subscriptions)
	result, err = sjson.SetBytes(result, "subscriptions", subscriptions)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(result, "cursors", cursors)
}

// ChannelResult is the per-channel outcome inside a Reconnected frame.
type ChannelResult struct {
	Channel     string
	Cursor      uint64
	CursorValid bool
	Error       string
}

// Reconnected is the consolidated acknowledgement for a reconnect frame,
// sent after all replayed messages.
type Reconnected struct {
	Channels []ChannelResult
}

func (Reconnected) serverFrame() {}

// MarshalJSON implements custom JSON marshaling for Reconnected.
func (r Reconnected) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetRawBytes(reconnectedJSON, "channels", []byte(`[]`))
	if err != nil {
		return nil, err
	}
	for _, cr := range r.Channels {
		entry := []byte(`{}`)
		entry, err = sjson.SetBytes(entry, "channel", cr.Channel)
		if err != nil {
			return nil, err
		}
		entry, err = sjson.SetBytes(entry, "cursor", strconv.FormatUint(cr.Cursor, 10))
		if err != nil {
			return nil, err
		}
		entry, err = sjson.SetBytes(entry, "cursorValid", cr.CursorValid)
		if err != nil {
			return nil, err
		}
		if cr.Error != "" {
			entry, err = sjson.SetBytes(entry, "error", cr.Error)
			if err != nil {
				return nil, err
			}
		}
		result, err = sjson.SetRawBytes(result, "channels.-1", entry)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Error reports a protocol-level failure without closing the connection.
type Error struct {
	Code    string
	Message string
	Channel string
}

func (Error) serverFrame() {}

// MarshalJSON implements custom JSON marshaling for Error.
func (e Error) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes(errorJSON, "code", e.Code)
	if err != nil {
		return nil, err
	}
	result, err = sjson.SetBytes(result, "message", e.Message)
	if err != nil {
		return nil, err
	}
	if e.Channel != "" {
		result, err = sjson.SetBytes(result, "channel", e.Channel)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}
