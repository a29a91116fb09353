package turn

import (
	"context"
	"errors"

	"github.com/aixgo-dev/nexxi/internal/chaterr"
	"github.com/aixgo-dev/nexxi/pkg/session"
)

// History returns the stored session.
func (o *Orchestrator) History(ctx context.Context, id string) (*session.Session, error) {
	sess, err := o.sessions.Load(ctx, id)
	if err != nil {
		return nil, sessionError(err)
	}
	return sess, nil
}

// Clear empties a session's history. It waits for a turn in flight on the
// session to finish first.
func (o *Orchestrator) Clear(ctx context.Context, id string) error {
	return o.locked(ctx, id, func() error {
		return o.sessions.Clear(ctx, id)
	})
}

// Delete removes a session. It waits for a turn in flight on the session to
// finish first.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	return o.locked(ctx, id, func() error {
		return o.sessions.Delete(ctx, id)
	})
}

func (o *Orchestrator) locked(ctx context.Context, id string, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, o.cfg.LockTimeout)
	unlock, err := o.sessions.Lock(lockCtx, id)
	cancel()
	if err != nil {
		ce, _ := classify(ctx, err)
		if ce.Kind == chaterr.KindTimeout {
			ce = chaterr.Wrap(chaterr.KindTimeout, "Session is busy. Please retry.", err)
		}
		return ce
	}
	defer unlock()

	if err := fn(); err != nil {
		return sessionError(err)
	}
	return nil
}

func sessionError(err error) error {
	if errors.Is(err, session.ErrSessionNotFound) {
		return chaterr.Wrap(chaterr.KindSessionNotFound, "Session not found.", err)
	}
	return chaterr.Wrap(chaterr.KindServiceUnavailable, "Session storage unavailable. Please try again.", err)
}
