package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientFrame(t *testing.T) {
	t.Run("subscribe without cursor", func(t *testing.T) {
		frame, err := ParseClientFrame([]byte(`{"type":"subscribe","channel":"agent:output:agent-1"}`))
		require.NoError(t, err)
		sub, ok := frame.(Subscribe)
		require.True(t, ok)
		assert.Equal(t, "agent:output:agent-1", sub.Channel)
		assert.Nil(t, sub.Cursor)
	})

	t.Run("subscribe with cursor", func(t *testing.T) {
		frame, err := ParseClientFrame([]byte(`{"type":"subscribe","channel":"custom:alerts","cursor":"42"}`))
		require.NoError(t, err)
		sub, ok := frame.(Subscribe)
		require.True(t, ok)
		require.NotNil(t, sub.Cursor)
		assert.Equal(t, uint64(42), *sub.Cursor)
	})

	t.Run("unsubscribe", func(t *testing.T) {
		frame, err := ParseClientFrame([]byte(`{"type":"unsubscribe","channel":"custom:alerts"}`))
		require.NoError(t, err)
		assert.Equal(t, Unsubscribe{Channel: "custom:alerts"}, frame)
	})

	t.Run("ping", func(t *testing.T) {
		frame, err := ParseClientFrame([]byte(`{"type":"ping","timestamp":1757000000123}`))
		require.NoError(t, err)
		assert.Equal(t, Ping{Timestamp: 1757000000123}, frame)
	})

	t.Run("ping without timestamp still parses", func(t *testing.T) {
		frame, err := ParseClientFrame([]byte(`{"type":"ping"}`))
		require.NoError(t, err)
		assert.Equal(t, Ping{}, frame)
	})

	t.Run("reconnect", func(t *testing.T) {
		frame, err := ParseClientFrame([]byte(`{"type":"reconnect","cursors":{"agent:output:a":"10","custom:alerts":"3"}}`))
		require.NoError(t, err)
		rec, ok := frame.(Reconnect)
		require.True(t, ok)
		assert.Equal(t, map[string]uint64{
			"agent:output:a": 10,
			"custom:alerts":  3,
		}, rec.Cursors)
	})

	t.Run("rejects malformed frames", func(t *testing.T) {
		for _, in := range []string{
			`not json`,
			`{}`,
			`{"type":"shout"}`,
			`{"type":"subscribe"}`,
			`{"type":"subscribe","channel":42}`,
			`{"type":"subscribe","channel":"custom:a","cursor":"abc"}`,
			`{"type":"subscribe","channel":"custom:a","cursor":"-1"}`,
			`{"type":"unsubscribe"}`,
			`{"type":"reconnect"}`,
			`{"type":"reconnect","cursors":{"custom:a":"x"}}`,
		} {
			frame, err := ParseClientFrame([]byte(in))
			assert.Error(t, err, in)
			assert.Nil(t, frame, in)
		}
	})
}
