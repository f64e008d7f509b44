// Package channel defines the closed vocabulary of typed topics that events
// are published to and subscribed from. A channel is an immutable value: a
// kind plus an optional entity scope, with a canonical string form that is
// used on the wire and as the key for log and subscription lookups.
package channel

import (
	"strings"
)

// Kind identifies the topic family a channel belongs to.
type Kind string

const (
	// KindAgentOutput carries the raw output stream of a single agent.
	KindAgentOutput Kind = "agent:output"
	// KindAgentHealth carries the health score updates of a single agent.
	KindAgentHealth Kind = "agent:health"
	// KindAgentState carries lifecycle state transitions of a single agent.
	KindAgentState Kind = "agent:state"
	// KindCustom is an arbitrary named channel; the scope is the name.
	KindCustom Kind = "custom"
)

// kinds is ordered longest-first so that prefix matching in Parse never
// mistakes "agent:output" for a hypothetical shorter kind.
var kinds = []Kind{KindAgentOutput, KindAgentHealth, KindAgentState, KindCustom}

// Valid reports whether k is part of the known vocabulary.
func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Channel is a typed, entity-scoped topic. The zero value is not a valid
// channel; construct one with a Kind constant or via Parse.
type Channel struct {
	Kind    Kind
	ScopeID string
}

// AgentOutput returns the output stream channel for the given agent.
func AgentOutput(agentID string) Channel {
	return Channel{Kind: KindAgentOutput, ScopeID: agentID}
}

// AgentHealth returns the health score channel for the given agent.
func AgentHealth(agentID string) Channel {
	return Channel{Kind: KindAgentHealth, ScopeID: agentID}
}

// AgentState returns the lifecycle state channel for the given agent.
func AgentState(agentID string) Channel {
	return Channel{Kind: KindAgentState, ScopeID: agentID}
}

// Custom returns an arbitrary named channel.
func Custom(name string) Channel {
	return Channel{Kind: KindCustom, ScopeID: name}
}

// String renders the canonical wire form: "<kind>:<scopeId>", or just
// "<kind>" when the channel carries no scope. Two channels are equal exactly
// when their canonical strings are equal.
func (c Channel) String() string {
	if c.ScopeID == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ":" + c.ScopeID
}

// IsZero reports whether c is the zero value.
func (c Channel) IsZero() bool {
	return c.Kind == "" && c.ScopeID == ""
}

// Parse decodes a canonical channel string. It is total: malformed input
// (unknown kind, empty scope, embedded whitespace or control characters)
// yields ok=false and never an error or a partially-filled channel.
func Parse(s string) (Channel, bool) {
	if s == "" {
		return Channel{}, false
	}
	for _, k := range kinds {
		prefix := string(k)
		if s == prefix {
			// Every kind in the current vocabulary requires a scope.
			return Channel{}, false
		}
		rest, found := strings.CutPrefix(s, prefix+":")
		if !found {
			continue
		}
		if !validScope(rest) {
			return Channel{}, false
		}
		return Channel{Kind: k, ScopeID: rest}, true
	}
	return Channel{}, false
}

func validScope(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}
