package auth

import (
	"github.com/fogfish/opts"

	"github.com/casualjim/beacon/channel"
)

// Decision is the outcome of a subscription check. Reason is set only on
// denial and is safe to surface to the client.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// OwnerFunc reports whether the identity owns the scope of a channel of one
// particular kind. Registering one per kind keeps ownership rules pluggable:
// a new channel kind only needs a resolver, never a hub change.
type OwnerFunc func(c Context, scopeID string) bool

// Policy decides CanSubscribe. It holds no mutable state beyond its resolver
// table, which is fixed at construction, so evaluation is pure.
type Policy struct {
	owners map[channel.Kind]OwnerFunc
}

// WithOwner registers an ownership resolver for a channel kind, replacing
// the workspace-membership default.
func WithOwner(kind channel.Kind, fn OwnerFunc) opts.Option[Policy] {
	return opts.Type[Policy](func(p *Policy) error {
		p.owners[kind] = fn
		return nil
	})
}

// NewPolicy constructs the subscription policy. By default every known kind
// resolves ownership as workspace membership of the channel scope; gateways
// that scope agent channels by agent id override those kinds with a resolver
// that consults the agent registry.
func NewPolicy(options ...opts.Option[Policy]) (*Policy, error) {
	p := &Policy{owners: map[channel.Kind]OwnerFunc{
		channel.KindAgentOutput: Context.OwnsWorkspace,
		channel.KindAgentHealth: Context.OwnsWorkspace,
		channel.KindAgentState:  Context.OwnsWorkspace,
		channel.KindCustom:      Context.OwnsWorkspace,
	}}
	if err := opts.Apply(p, options); err != nil {
		return nil, err
	}
	return p, nil
}

// CanSubscribe decides whether the identity may subscribe to the channel.
// It is side-effect free and must be re-evaluated on every attempt; callers
// are not allowed to cache the result across subscribe or reconnect.
func (p *Policy) CanSubscribe(c Context, ch channel.Channel) Decision {
	switch {
	case c.IsGuest():
		return deny("authentication required")
	case c.Admin:
		return allow()
	}
	owner, known := p.owners[ch.Kind]
	if !known {
		return deny("unsupported channel kind: " + string(ch.Kind))
	}
	if !owner(c, ch.ScopeID) {
		return deny("not authorized for channel " + ch.String())
	}
	return allow()
}
