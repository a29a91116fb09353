// Package janitor periodically evicts expired in-memory state.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a sweep once a minute.
const DefaultSchedule = "@every 1m"

// Sweeper is implemented by the in-memory session backend and quota tracker.
type Sweeper interface {
	Sweep() int
	Len() int
}

// Target is a named sweeper. Report, when set, receives the size left after
// each sweep.
type Target struct {
	Name    string
	Sweeper Sweeper
	Report  func(remaining int)
}

// Janitor sweeps its targets on a cron schedule. A tick is skipped while the
// previous one is still running.
type Janitor struct {
	mu       sync.Mutex
	schedule string
	targets  []Target
	running  sync.Mutex
	cron     *cron.Cron
	logger   *slog.Logger
}

// New creates a janitor. An empty schedule uses DefaultSchedule.
func New(schedule string, logger *slog.Logger, targets ...Target) *Janitor {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		schedule: schedule,
		targets:  targets,
		logger:   logger,
	}
}

// Start validates the schedule and begins sweeping.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(j.schedule, j.tick); err != nil {
		return fmt.Errorf("janitor: invalid schedule %q: %w", j.schedule, err)
	}

	c.Start()
	j.cron = c
	j.logger.Info("janitor started", "schedule", j.schedule, "targets", len(j.targets))
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep, or for ctx.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		j.logger.Info("janitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) tick() {
	if !j.running.TryLock() {
		j.logger.Warn("janitor: sweep still running, skipping tick")
		return
	}
	defer j.running.Unlock()
	j.Sweep()
}

// Sweep runs every target once and returns the number of entries removed
// per target name.
func (j *Janitor) Sweep() map[string]int {
	removed := make(map[string]int, len(j.targets))
	for _, t := range j.targets {
		n := t.Sweeper.Sweep()
		removed[t.Name] = n
		if t.Report != nil {
			t.Report(t.Sweeper.Len())
		}
		if n > 0 {
			j.logger.Debug("janitor swept", "target", t.Name, "removed", n)
		}
	}
	return removed
}
