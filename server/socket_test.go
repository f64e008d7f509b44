package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/casualjim/beacon/auth"
	"github.com/casualjim/beacon/channel"
	"github.com/casualjim/beacon/eventlog"
	"github.com/casualjim/beacon/hub"
	"github.com/casualjim/beacon/wire"
)

func dial(t *testing.T, ctx context.Context, baseURL string, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := strings.Replace(baseURL, "http", "ws", 1) + path
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) gjson.Result {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	return gjson.ParseBytes(data)
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func internalHeader() http.Header {
	h := http.Header{}
	h.Set("X-Beacon-Internal", "true")
	return h
}

func TestSocketRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, h := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	alerts := channel.Custom("alerts")
	for _, text := range []string{"first", "second"} {
		_, err := h.Publish(alerts, "alert", map[string]any{"text": text}, gjson.Result{})
		require.NoError(t, err)
	}

	conn := dial(t, ctx, ts.URL, "/ws", internalHeader())

	greeting := readFrame(t, ctx, conn)
	require.Equal(t, "connected", greeting.Get("type").String())
	assert.NotEmpty(t, greeting.Get("connectionId").String())
	assert.NotEmpty(t, greeting.Get("serverTime").String())

	// Subscribing replays the backlog before the acknowledgement.
	writeFrame(t, ctx, conn, `{"type":"subscribe","channel":"custom:alerts"}`)
	for i, want := range []string{"1", "2"} {
		frame := readFrame(t, ctx, conn)
		require.Equal(t, "message", frame.Get("type").String(), "frame %d", i)
		assert.Equal(t, want, frame.Get("message.cursor").String())
		assert.Equal(t, "custom:alerts", frame.Get("message.channel").String())
	}
	ack := readFrame(t, ctx, conn)
	require.Equal(t, "subscribed", ack.Get("type").String())
	assert.Equal(t, "2", ack.Get("cursor").String())

	// Live publishes flow through after the subscription is recorded.
	_, err := h.Publish(alerts, "alert", map[string]any{"text": "third"}, gjson.Result{})
	require.NoError(t, err)
	live := readFrame(t, ctx, conn)
	require.Equal(t, "message", live.Get("type").String())
	assert.Equal(t, "3", live.Get("message.cursor").String())
	assert.Equal(t, "alert", live.Get("message.eventType").String())
	assert.Equal(t, "third", live.Get("message.payload.text").String())

	writeFrame(t, ctx, conn, `{"type":"ping","timestamp":12345}`)
	pong := readFrame(t, ctx, conn)
	require.Equal(t, "pong", pong.Get("type").String())
	assert.EqualValues(t, 12345, pong.Get("timestamp").Int())
	assert.Equal(t, []string{"custom:alerts"}, resultStrings(pong.Get("subscriptions")))
	assert.Equal(t, "3", pong.Get("cursors.custom:alerts").String())

	writeFrame(t, ctx, conn, `{"type":"flub"}`)
	protoErr := readFrame(t, ctx, conn)
	require.Equal(t, "error", protoErr.Get("type").String())
	assert.Equal(t, wire.CodeInvalidFormat, protoErr.Get("code").String())

	writeFrame(t, ctx, conn, `{"type":"unsubscribe","channel":"custom:alerts"}`)
	bye := readFrame(t, ctx, conn)
	require.Equal(t, "unsubscribed", bye.Get("type").String())
	assert.Equal(t, "custom:alerts", bye.Get("channel").String())
}

func TestSocketForbiddenSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	header := http.Header{}
	header.Set("X-User-Id", "u-1")
	header.Set("X-Workspace-Id", "w-1")
	conn := dial(t, ctx, ts.URL, "/ws", header)
	require.Equal(t, "connected", readFrame(t, ctx, conn).Get("type").String())

	writeFrame(t, ctx, conn, `{"type":"subscribe","channel":"custom:w-9"}`)
	denied := readFrame(t, ctx, conn)
	require.Equal(t, "error", denied.Get("type").String())
	assert.Equal(t, wire.CodeForbidden, denied.Get("code").String())
	assert.Equal(t, "custom:w-9", denied.Get("channel").String())

	// The connection stays usable for channels the identity does own.
	writeFrame(t, ctx, conn, `{"type":"subscribe","channel":"custom:w-1"}`)
	granted := readFrame(t, ctx, conn)
	require.Equal(t, "subscribed", granted.Get("type").String())
	assert.Equal(t, "0", granted.Get("cursor").String())
}

func TestSocketSubscribeExpiredCursor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, h := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	for i := 0; i < 20; i++ { // capacity 13 retains 8..20
		_, err := h.PublishAgentOutput("agent-1", map[string]any{"line": i})
		require.NoError(t, err)
	}

	conn := dial(t, ctx, ts.URL, "/ws", internalHeader())
	require.Equal(t, "connected", readFrame(t, ctx, conn).Get("type").String())

	writeFrame(t, ctx, conn, `{"type":"subscribe","channel":"agent:output:agent-1","cursor":"3"}`)
	for want := 8; want <= 20; want++ {
		frame := readFrame(t, ctx, conn)
		require.Equal(t, "message", frame.Get("type").String())
		assert.Equal(t, strconv.Itoa(want), frame.Get("message.cursor").String())
	}
	ack := readFrame(t, ctx, conn)
	require.Equal(t, "subscribed", ack.Get("type").String())
	assert.Equal(t, "20", ack.Get("cursor").String())
	assert.True(t, ack.Get("cursorExpired").Bool(), "client must learn the resync tail may have a gap")
}

func TestSocketPreAttachedChannels(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, h := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	_, err := h.Publish(channel.Custom("w-1"), "note", "hello", gjson.Result{})
	require.NoError(t, err)

	header := http.Header{}
	header.Set("X-User-Id", "u-1")
	header.Set("X-Workspace-Id", "w-1")
	conn := dial(t, ctx, ts.URL, "/ws?channels=custom:w-1,bogus,custom:w-9", header)
	require.Equal(t, "connected", readFrame(t, ctx, conn).Get("type").String())

	// Only the owned, well-formed channel attaches; the rest drop silently.
	replayed := readFrame(t, ctx, conn)
	require.Equal(t, "message", replayed.Get("type").String())
	assert.Equal(t, "1", replayed.Get("message.cursor").String())
	ack := readFrame(t, ctx, conn)
	require.Equal(t, "subscribed", ack.Get("type").String())
	assert.Equal(t, "custom:w-1", ack.Get("channel").String())

	writeFrame(t, ctx, conn, `{"type":"ping"}`)
	pong := readFrame(t, ctx, conn)
	assert.Equal(t, []string{"custom:w-1"}, resultStrings(pong.Get("subscriptions")))
}

func TestSocketReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, h := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	out := channel.AgentOutput("agent-1")
	for i := 0; i < 5; i++ {
		_, err := h.PublishAgentOutput("agent-1", map[string]any{"line": i})
		require.NoError(t, err)
	}

	conn := dial(t, ctx, ts.URL, "/ws", internalHeader())
	require.Equal(t, "connected", readFrame(t, ctx, conn).Get("type").String())

	writeFrame(t, ctx, conn, `{"type":"reconnect","cursors":{"agent:output:agent-1":"3"}}`)
	for _, want := range []string{"4", "5"} {
		frame := readFrame(t, ctx, conn)
		require.Equal(t, "message", frame.Get("type").String())
		assert.Equal(t, want, frame.Get("message.cursor").String())
	}
	ack := readFrame(t, ctx, conn)
	require.Equal(t, "reconnected", ack.Get("type").String())
	channels := ack.Get("channels").Array()
	require.Len(t, channels, 1)
	assert.Equal(t, out.String(), channels[0].Get("channel").String())
	assert.Equal(t, "5", channels[0].Get("cursor").String())
	assert.True(t, channels[0].Get("cursorValid").Bool())
}

func resultStrings(r gjson.Result) []string {
	items := r.Array()
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.String())
	}
	return out
}

type fakeSocket struct {
	mu     sync.Mutex
	reason string
}

func (f *fakeSocket) shutdown(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reason == "" {
		f.reason = reason
	}
}

func (f *fakeSocket) shutdownReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

type idleConn struct{ id string }

func (c idleConn) ID() string                  { return c.id }
func (c idleConn) Send(frame wire.Frame) error { return nil }

func TestReapIdle(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	store, err := eventlog.New()
	require.NoError(t, err)
	policy, err := auth.NewPolicy()
	require.NoError(t, err)
	h, err := hub.New(store, policy, hub.WithClock(clock))
	require.NoError(t, err)
	s, err := New(h, store, policy, WithHeartbeatTimeout(30*time.Second), WithClock(clock))
	require.NoError(t, err)

	stale := &fakeSocket{}
	fresh := &fakeSocket{}
	h.AddConnection(idleConn{id: "stale"}, auth.Internal())
	h.AddConnection(idleConn{id: "fresh"}, auth.Internal())
	s.sockets.Set("stale", stale)
	s.sockets.Set("fresh", fresh)

	advance(31 * time.Second)
	h.Touch("fresh")

	assert.Equal(t, 1, s.reapIdle())
	assert.Equal(t, "heartbeat timeout", stale.shutdownReason())
	assert.Empty(t, fresh.shutdownReason())
	assert.Equal(t, 1, h.Stats().Connections)

	// A second sweep finds nothing new.
	assert.Equal(t, 0, s.reapIdle())

	s.Shutdown()
	assert.Equal(t, "server shutting down", fresh.shutdownReason())
	assert.Equal(t, 0, h.Stats().Connections)
}
