package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryTracker keeps per-identity request logs in process memory.
type MemoryTracker struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	logs map[string][]time.Time
}

// NewMemoryTracker creates an in-memory tracker.
func NewMemoryTracker(cfg Config) *MemoryTracker {
	return &MemoryTracker{
		cfg:  cfg.withDefaults(),
		now:  time.Now,
		logs: make(map[string][]time.Time),
	}
}

// SetClock replaces the time source. Intended for tests.
func (t *MemoryTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Allow records a request for identity if it fits in the window.
func (t *MemoryTracker) Allow(ctx context.Context, identity string) (Decision, error) {
	if identity == "" {
		return Decision{}, ErrEmptyIdentity
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	events := t.logs[identity]
	if n := len(events); n > 0 && now.Before(events[n-1]) {
		// the window never slides backward, even if the clock does
		now = events[n-1]
	}
	events = evict(events, now.Add(-t.cfg.Window))

	if len(events) >= t.cfg.Limit {
		t.logs[identity] = events
		return Decision{
			Permitted:  false,
			RetryAfter: retryAfter(events[0], now, t.cfg.Window),
			Remaining:  0,
			Limit:      t.cfg.Limit,
		}, nil
	}

	events = append(events, now)
	t.logs[identity] = events
	return Decision{
		Permitted: true,
		Remaining: t.cfg.Limit - len(events),
		Limit:     t.cfg.Limit,
	}, nil
}

// Sweep drops identities whose window has emptied and returns how many were removed.
func (t *MemoryTracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.cfg.Window)
	removed := 0
	for id, events := range t.logs {
		events = evict(events, cutoff)
		if len(events) == 0 {
			delete(t.logs, id)
			removed++
			continue
		}
		t.logs[id] = events
	}
	return removed
}

// Len returns the number of tracked identities.
func (t *MemoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.logs)
}

// Close implements Tracker.
func (t *MemoryTracker) Close() error { return nil }

// evict drops events at or before cutoff. Events are in chronological order.
func evict(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	// copy so the dropped prefix can be collected
	return append([]time.Time(nil), events[i:]...)
}
