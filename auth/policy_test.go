package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casualjim/beacon/channel"
)

func TestContextShapes(t *testing.T) {
	assert.True(t, Guest().IsGuest())
	assert.False(t, Internal().IsGuest())
	assert.False(t, User("u-1", "w-1").IsGuest())
	assert.False(t, APIKey("k-1", "w-1").IsGuest())

	assert.True(t, User("u-1", "w-1", "w-2").OwnsWorkspace("w-2"))
	assert.False(t, User("u-1", "w-1").OwnsWorkspace("w-9"))
	assert.False(t, User("u-1", "").OwnsWorkspace(""))
}

func TestCanSubscribe(t *testing.T) {
	policy, err := NewPolicy()
	require.NoError(t, err)

	t.Run("guest is denied every kind", func(t *testing.T) {
		for _, ch := range []channel.Channel{
			channel.AgentOutput("w-1"),
			channel.AgentHealth("w-1"),
			channel.AgentState("w-1"),
			channel.Custom("w-1"),
		} {
			d := policy.CanSubscribe(Guest(), ch)
			assert.False(t, d.Allowed, ch.String())
			assert.NotEmpty(t, d.Reason, ch.String())
		}
	})

	t.Run("internal is allowed everywhere", func(t *testing.T) {
		d := policy.CanSubscribe(Internal(), channel.AgentOutput("anything"))
		assert.True(t, d.Allowed)
		assert.Empty(t, d.Reason)
	})

	t.Run("scoped user is limited to owned scopes", func(t *testing.T) {
		user := User("u-1", "w-1", "w-2")
		assert.True(t, policy.CanSubscribe(user, channel.AgentOutput("w-2")).Allowed)

		d := policy.CanSubscribe(user, channel.AgentOutput("w-3"))
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "agent:output:w-3")
	})

	t.Run("decisions reflect current permissions, not a cached result", func(t *testing.T) {
		user := User("u-1", "w-1")
		ch := channel.AgentOutput("w-1")
		require.True(t, policy.CanSubscribe(user, ch).Allowed)

		revoked := User("u-1") // same user, workspace access removed
		assert.False(t, policy.CanSubscribe(revoked, ch).Allowed)
	})
}

func TestCanSubscribeCustomOwner(t *testing.T) {
	// Agent channels are scoped by agent id; gateways plug in a resolver that
	// maps agents onto workspaces.
	agentWorkspace := map[string]string{"agent-1": "w-1"}
	policy, err := NewPolicy(
		WithOwner(channel.KindAgentOutput, func(c Context, agentID string) bool {
			return c.OwnsWorkspace(agentWorkspace[agentID])
		}),
	)
	require.NoError(t, err)

	user := User("u-1", "w-1")
	assert.True(t, policy.CanSubscribe(user, channel.AgentOutput("agent-1")).Allowed)
	assert.False(t, policy.CanSubscribe(user, channel.AgentOutput("agent-2")).Allowed)

	// kinds without an overridden resolver keep the workspace default
	assert.True(t, policy.CanSubscribe(user, channel.Custom("w-1")).Allowed)
}
