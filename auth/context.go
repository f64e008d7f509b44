// Package auth resolves which identity may subscribe to which channel.
//
// A Context is the identity attached to a connection for its whole lifetime.
// The Policy decides subscriptions; it is evaluated on every attempt and
// never cached, so capability changes take effect immediately and a
// reconnect can never replay a stale decision.
package auth

import "slices"

// Context is the resolved identity and access scope of a caller. It comes in
// three canonical shapes: guest (nothing set), internal (Admin true), and
// scoped user (UserID or APIKeyID set with a non-empty workspace list).
type Context struct {
	UserID       string
	APIKeyID     string
	WorkspaceIDs []string
	Admin        bool
}

// Guest returns the anonymous identity. Guests are denied every channel.
func Guest() Context {
	return Context{}
}

// Internal returns the trusted in-process identity, used by callers such as
// the HTTP replay route when no end-user identity is attached.
func Internal() Context {
	return Context{Admin: true}
}

// User returns a scoped user identity limited to the given workspaces.
func User(userID string, workspaceIDs ...string) Context {
	return Context{UserID: userID, WorkspaceIDs: workspaceIDs}
}

// APIKey returns a scoped identity authenticated by an API key.
func APIKey(keyID string, workspaceIDs ...string) Context {
	return Context{APIKeyID: keyID, WorkspaceIDs: workspaceIDs}
}

// IsGuest reports whether no identity fields are set.
func (c Context) IsGuest() bool {
	return !c.Admin && c.UserID == "" && c.APIKeyID == ""
}

// OwnsWorkspace reports whether the identity's visibility includes the
// given workspace.
func (c Context) OwnsWorkspace(id string) bool {
	return id != "" && slices.Contains(c.WorkspaceIDs, id)
}
