package wire

import (
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// ClientFrame is a message sent by a client over the socket.
type ClientFrame interface {
	clientFrame()
}

// Subscribe asks for a channel subscription, optionally resuming after a
// cursor from a previous session.
type Subscribe struct {
	Channel string
	Cursor  *uint64
}

func (Subscribe) clientFrame() {}

// Unsubscribe drops a channel subscription.
type Unsubscribe struct {
	Channel string
}

func (Unsubscribe) clientFrame() {}

// Ping is the client heartbeat. Timestamp is echoed back verbatim so the
// client can measure round-trip time.
type Ping struct {
	Timestamp int64
}

func (Ping) clientFrame() {}

// Reconnect resumes multiple channels at once after a dropped connection,
// each from its own replay watermark.
type Reconnect struct {
	Cursors map[string]uint64
}

func (Reconnect) clientFrame() {}

// ParseClientFrame decodes one inbound frame. Any malformed input (invalid
// JSON, unrecognized type, missing or unparseable fields) yields an error;
// the caller answers with an error frame and keeps the connection open.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid json")
	}

	msgType := gjson.GetBytes(data, "type")
	if !msgType.Exists() {
		return nil, fmt.Errorf("missing required field 'type'")
	}

	switch msgType.String() {
	case "subscribe":
		ch := gjson.GetBytes(data, "channel")
		if !ch.Exists() || ch.Type != gjson.String {
			return nil, fmt.Errorf("subscribe: missing required field 'channel'")
		}
		frame := Subscribe{Channel: ch.String()}
		if cursor := gjson.GetBytes(data, "cursor"); cursor.Exists() {
			parsed, err := parseCursor(cursor)
			if err != nil {
				return nil, fmt.Errorf("subscribe: %w", err)
			}
			frame.Cursor = &parsed
		}
		return frame, nil

	case "unsubscribe":
		ch := gjson.GetBytes(data, "channel")
		if !ch.Exists() || ch.Type != gjson.String {
			return nil, fmt.Errorf("unsubscribe: missing required field 'channel'")
		}
		return Unsubscribe{Channel: ch.String()}, nil

	case "ping":
		frame := Ping{}
		if ts := gjson.GetBytes(data, "timestamp"); ts.Exists() {
			frame.Timestamp = ts.Int()
		}
		return frame, nil

	case "reconnect":
		cursors := gjson.GetBytes(data, "cursors")
		if !cursors.Exists() || !cursors.IsObject() {
			return nil, fmt.Errorf("reconnect: missing required field 'cursors'")
		}
		frame := Reconnect{Cursors: make(map[string]uint64, int(cursors.Get("@keys.#").Int()))}
		var parseErr error
		cursors.ForEach(func(key, value gjson.Result) bool {
			parsed, err := parseCursor(value)
			if err != nil {
				parseErr = fmt.Errorf("reconnect: channel %s: %w", key.String(), err)
				return false
			}
			frame.Cursors[key.String()] = parsed
			return true
		})
		if parseErr != nil {
			return nil, parseErr
		}
		return frame, nil

	default:
		return nil, fmt.Errorf("unrecognized type %q", msgType.String())
	}
}

func parseCursor(v gjson.Result) (uint64, error) {
	parsed, err := strconv.ParseUint(v.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q", v.String())
	}
	return parsed, nil
}
