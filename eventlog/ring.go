package eventlog

import (
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/casualjim/beacon/channel"
)

// ring is the bounded buffer behind one channel log. Eviction advances the
// head index instead of shifting elements, keeping appends O(1). The cursor
// counter survives eviction: the buffer always holds a contiguous suffix of
// every cursor ever issued.
type ring struct {
	mu   sync.Mutex
	ch   channel.Channel
	buf  []Event
	head int
	size int
	next uint64 // cursor assigned to the next append; the first event gets 1
}

func newRing(ch channel.Channel, capacity int) *ring {
	return &ring{
		ch:   ch,
		buf:  make([]Event, capacity),
		next: 1,
	}
}

func (r *ring) append(eventType string, payload json.RawMessage, meta gjson.Result, now time.Time) Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	event := Event{
		Cursor:      r.next,
		Channel:     r.ch,
		Type:        eventType,
		Payload:     payload,
		PublishedAt: strfmt.DateTime(now),
		Meta:        meta,
	}
	r.next++

	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = event
		r.size++
	} else {
		r.buf[r.head] = event
		r.head = (r.head + 1) % len(r.buf)
	}
	return event
}

// readAfter returns events with cursor strictly greater than the given one,
// ascending, truncated to limit (limit <= 0 means no truncation). A nil
// cursor bootstraps with the most recent limit events. A cursor older than
// anything retained yields ok=false plus the most recent limit events as a
// best-effort resync.
func (r *ring) readAfter(cursor *uint64, limit int) ([]Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cursor == nil {
		return r.tail(limit), true
	}

	oldest := r.next - uint64(r.size)
	if *cursor+1 < oldest {
		return r.tail(limit), false
	}
	if *cursor >= r.next-1 {
		// at or past the newest issued cursor, nothing to replay
		return []Event{}, true
	}

	skip := int(*cursor - (oldest - 1)) // events at or before the cursor
	count := r.size - skip
	if limit > 0 && count > limit {
		count = limit
	}
	events := make([]Event, 0, count)
	for i := 0; i < count; i++ {
		events = append(events, r.buf[(r.head+skip+i)%len(r.buf)])
	}
	return events, true
}

// tail returns the most recent limit events in append order.
func (r *ring) tail(limit int) []Event {
	count := r.size
	if limit > 0 && count > limit {
		count = limit
	}
	events := make([]Event, 0, count)
	for i := r.size - count; i < r.size; i++ {
		events = append(events, r.buf[(r.head+i)%len(r.buf)])
	}
	return events
}

// snapshot returns the retention window as (oldest retained cursor, newest
// issued cursor). Both are zero when nothing was ever appended.
func (r *ring) snapshot() (oldest, newest uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return 0, r.next - 1
	}
	return r.next - uint64(r.size), r.next - 1
}
