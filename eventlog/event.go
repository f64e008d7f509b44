// Package eventlog keeps one bounded, append-only, cursor-addressed sequence
// of events per channel. Cursors are per-channel, strictly monotonically
// increasing, assigned at append and never reused, so a stale cursor is
// always recognizably older than the retention window instead of colliding
// with a live event.
package eventlog

import (
	"fmt"
	"strconv"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/casualjim/beacon/channel"
)

// Event is a single entry in a channel log.
type Event struct {
	Cursor      uint64
	Channel     channel.Channel
	Type        string
	Payload     json.RawMessage
	PublishedAt strfmt.DateTime
	Meta        gjson.Result
}

// MarshalJSON implements custom JSON marshaling for Event. Cursors travel as
// strings so clients never lose precision in languages with float-only
// numbers.
func (e Event) MarshalJSON() ([]byte, error) {
	result := []byte(`{}`)

	var err error
	result, err = sjson.SetBytes(result, "cursor", strconv.FormatUint(e.Cursor, 10))
	if err != nil {
		return nil, err
	}

	result, err = sjson.SetBytes(result, "channel", e.Channel.String())
	if err != nil {
		return nil, err
	}

	result, err = sjson.SetBytes(result, "eventType", e.Type)
	if err != nil {
		return nil, err
	}

	if len(e.Payload) > 0 {
		result, err = sjson.SetRawBytes(result, "payload", e.Payload)
		if err != nil {
			return nil, err
		}
	}

	result, err = sjson.SetBytes(result, "publishedAt", e.PublishedAt.String())
	if err != nil {
		return nil, err
	}

	if e.Meta.Exists() {
		result, err = sjson.SetRawBytes(result, "meta", []byte(e.Meta.Raw))
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

// UnmarshalJSON implements custom JSON unmarshaling for Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}

	cursor := gjson.GetBytes(data, "cursor")
	if !cursor.Exists() {
		return fmt.Errorf("missing required field 'cursor'")
	}
	parsed, err := strconv.ParseUint(cursor.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid cursor: %w", err)
	}
	e.Cursor = parsed

	chs := gjson.GetBytes(data, "channel")
	if !chs.Exists() {
		return fmt.Errorf("missing required field 'channel'")
	}
	ch, ok := channel.Parse(chs.String())
	if !ok {
		return fmt.Errorf("invalid channel: %q", chs.String())
	}
	e.Channel = ch

	eventType := gjson.GetBytes(data, "eventType")
	if !eventType.Exists() {
		return fmt.Errorf("missing required field 'eventType'")
	}
	e.Type = eventType.String()

	if payload := gjson.GetBytes(data, "payload"); payload.Exists() {
		e.Payload = json.RawMessage(payload.Raw)
	}

	if publishedAt := gjson.GetBytes(data, "publishedAt"); publishedAt.Exists() {
		if err := e.PublishedAt.UnmarshalText([]byte(publishedAt.String())); err != nil {
			return fmt.Errorf("invalid publishedAt: %w", err)
		}
	}

	if meta := gjson.GetBytes(data, "meta"); meta.Exists() {
		e.Meta = meta
	}

	return nil
}
