package hub

import (
	"github.com/tidwall/gjson"

	"github.com/casualjim/beacon/channel"
	"github.com/casualjim/beacon/eventlog"
)

// Typed publish helpers for the gateway's producers, so the output streamer,
// health scorer, and lifecycle machine never hand-build channel values.

// PublishAgentOutput publishes one chunk of an agent's output stream.
func (h *Hub) PublishAgentOutput(agentID string, payload any) (eventlog.Event, error) {
	return h.Publish(channel.AgentOutput(agentID), "output", payload, gjson.Result{})
}

// PublishAgentHealth publishes an agent's current health score.
func (h *Hub) PublishAgentHealth(agentID string, score float64) (eventlog.Event, error) {
	return h.Publish(channel.AgentHealth(agentID), "health", map[string]any{"score": score}, gjson.Result{})
}

// PublishAgentState publishes a lifecycle state transition for an agent.
func (h *Hub) PublishAgentState(agentID, state string) (eventlog.Event, error) {
	return h.Publish(channel.AgentState(agentID), "state", map[string]any{"state": state}, gjson.Result{})
}
