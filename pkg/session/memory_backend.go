package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	session   *Session
	expiresAt time.Time
}

// MemoryBackend implements Backend in process memory.
// It is suitable for single-node deployments and tests.
type MemoryBackend struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]memoryEntry
	closed   bool
}

// NewMemoryBackend creates an in-memory backend. A ttl of 0 disables expiry.
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]memoryEntry),
	}
}

// SetClock replaces the time source. Intended for tests.
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBackend) expired(e memoryEntry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Get retrieves a session by ID.
func (b *MemoryBackend) Get(ctx context.Context, id string) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrStorageClosed
	}

	e, ok := b.sessions[id]
	if !ok || b.expired(e, b.now()) {
		return nil, ErrSessionNotFound
	}
	return e.session.Clone(), nil
}

// Update applies fn under the backend mutex.
func (b *MemoryBackend) Update(ctx context.Context, id string, fn UpdateFunc) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrStorageClosed
	}

	now := b.now()
	var current *Session
	if e, ok := b.sessions[id]; ok && !b.expired(e, now) {
		current = e.session.Clone()
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	e := memoryEntry{session: next.Clone()}
	if b.ttl > 0 {
		e.expiresAt = now.Add(b.ttl)
	}
	b.sessions[id] = e
	return next, nil
}

// Delete removes a session.
func (b *MemoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}

	e, ok := b.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	delete(b.sessions, id)
	if b.expired(e, b.now()) {
		return ErrSessionNotFound
	}
	return nil
}

// Sweep removes expired sessions and returns how many were dropped.
func (b *MemoryBackend) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for id, e := range b.sessions {
		if b.expired(e, now) {
			delete(b.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored sessions, expired ones included until swept.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Ping implements Backend.
func (b *MemoryBackend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close implements Backend.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.sessions = make(map[string]memoryEntry)
	return nil
}
