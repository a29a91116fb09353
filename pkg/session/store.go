package session

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
	// ErrConflict is returned when an update kept losing a concurrent write race.
	ErrConflict = errors.New("session update conflict")
)

// UpdateFunc computes the new state of a session from its current state.
// current is nil when the session does not exist. Returning an error aborts
// the update without writing anything.
type UpdateFunc func(current *Session) (*Session, error)

// Backend abstracts session persistence.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist or has expired.
	Get(ctx context.Context, id string) (*Session, error)

	// Update atomically applies fn to the session and stores the result,
	// refreshing its TTL. Concurrent updates to the same ID never lose writes.
	Update(ctx context.Context, id string, fn UpdateFunc) (*Session, error)

	// Delete removes a session.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Delete(ctx context.Context, id string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}
