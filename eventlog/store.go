package eventlog

import (
	"fmt"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/casualjim/beacon/channel"
)

const defaultCapacity = 1000

// Store owns every channel log in the process. Logs are created lazily on
// first append or read, with a capacity chosen per channel kind.
type Store struct {
	logs       *haxmap.Map[string, *ring]
	capacity   int
	capacities map[channel.Kind]int
	clock      func() time.Time
}

var (
	// WithCapacity sets the default buffer capacity for channel logs.
	WithCapacity = opts.ForName[Store, int]("capacity")

	// WithClock overrides the time source, mostly for tests.
	WithClock = opts.ForName[Store, func() time.Time]("clock")
)

// WithKindCapacity sets the buffer capacity for logs of one channel kind.
func WithKindCapacity(kind channel.Kind, capacity int) opts.Option[Store] {
	return opts.Type[Store](func(s *Store) error {
		if capacity <= 0 {
			return fmt.Errorf("capacity for kind %s must be positive, got %d", kind, capacity)
		}
		s.capacities[kind] = capacity
		return nil
	})
}

// New constructs an empty store.
func New(options ...opts.Option[Store]) (*Store, error) {
	s := &Store{
		logs:       haxmap.New[string, *ring](),
		capacity:   defaultCapacity,
		capacities: make(map[channel.Kind]int),
		clock:      time.Now,
	}
	if err := opts.Apply(s, options); err != nil {
		return nil, err
	}
	if s.capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", s.capacity)
	}
	return s, nil
}

// Append serializes the payload, assigns the channel's next cursor, and
// pushes the event into the channel's bounded buffer, evicting the oldest
// entry past capacity.
func (s *Store) Append(ch channel.Channel, eventType string, payload any, meta gjson.Result) (Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload for %s: %w", ch, err)
	}
	return s.log(ch).append(eventType, raw, meta, s.clock()), nil
}

// ReadAfter reads events with cursor strictly greater than the given one,
// ascending, truncated to limit (limit <= 0 means no truncation). A nil
// cursor returns the most recent limit events. The second return value is
// false when the cursor has fallen out of the retention window; the events
// returned alongside are then the most recent limit entries as a best-effort
// resync, and callers must surface that flag so clients know a gap may
// exist.
func (s *Store) ReadAfter(ch channel.Channel, cursor *uint64, limit int) ([]Event, bool) {
	return s.log(ch).readAfter(cursor, limit)
}

// Window reports the retention window of a channel log as (oldest retained
// cursor, newest issued cursor), both zero for an untouched channel.
func (s *Store) Window(ch channel.Channel) (oldest, newest uint64) {
	return s.log(ch).snapshot()
}

// Reset drops every log. Intended for tests and full hub restarts.
func (s *Store) Reset() {
	s.logs.ForEach(func(key string, _ *ring) bool {
		s.logs.Del(key)
		return true
	})
}

func (s *Store) log(ch channel.Channel) *ring {
	log, _ := s.logs.GetOrCompute(ch.String(), func() *ring {
		capacity := s.capacity
		if kindCap, ok := s.capacities[ch.Kind]; ok {
			capacity = kindCap
		}
		return newRing(ch, capacity)
	})
	return log
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
