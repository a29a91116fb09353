package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "nexxi:quota:"

// RedisTracker stores each identity's request log in a Redis sorted set
// scored by Unix milliseconds, so limits hold across replicas.
type RedisTracker struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
	now    func() time.Time
}

// NewRedisTracker creates a tracker backed by client.
func NewRedisTracker(client redis.UniversalClient, prefix string, cfg Config) *RedisTracker {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisTracker{
		client: client,
		cfg:    cfg.withDefaults(),
		prefix: prefix,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (t *RedisTracker) SetClock(now func() time.Time) {
	t.now = now
}

func (t *RedisTracker) key(identity string) string {
	return t.prefix + identity
}

// Allow records a request for identity if it fits in the window.
// The read and the write are separate round trips; see the package doc
// for the resulting relaxed bound.
func (t *RedisTracker) Allow(ctx context.Context, identity string) (Decision, error) {
	if identity == "" {
		return Decision{}, ErrEmptyIdentity
	}

	now := t.now()
	nowMS := now.UnixMilli()
	cutoff := nowMS - t.cfg.Window.Milliseconds()
	key := t.key(identity)

	pipe := t.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, fmt.Errorf("read quota: %w", err)
	}

	count := int(card.Val())
	if count >= t.cfg.Limit {
		d := Decision{Permitted: false, Limit: t.cfg.Limit}
		if z := oldest.Val(); len(z) > 0 {
			d.RetryAfter = retryAfter(time.UnixMilli(int64(z[0].Score)), now, t.cfg.Window)
		} else {
			d.RetryAfter = t.cfg.Window
		}
		return d, nil
	}

	member := strconv.FormatInt(nowMS, 10) + "-" + uuid.NewString()
	pipe = t.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMS), Member: member})
	pipe.PExpire(ctx, key, t.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("record quota: %w", err)
	}

	return Decision{
		Permitted: true,
		Remaining: t.cfg.Limit - count - 1,
		Limit:     t.cfg.Limit,
	}, nil
}

// Close implements Tracker. The client is owned by the caller.
func (t *RedisTracker) Close() error { return nil }
