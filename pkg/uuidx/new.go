// Package uuidx generates sortable v7 UUIDs.
package uuidx

import "github.com/google/uuid"

// New returns a fresh UUIDv7, panicking if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a fresh UUIDv7 in its canonical string form.
func NewString() string {
	return New().String()
}
