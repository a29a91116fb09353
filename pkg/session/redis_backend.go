package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "nexxi:session:"
	// maxUpdateRetries bounds the optimistic WATCH/MULTI loop in Update.
	maxUpdateRetries = 8
)

// RedisBackend implements Backend using Redis.
// Each session is one JSON value under prefix+id with the session TTL.
// Update uses WATCH/MULTI so concurrent writers on different nodes cannot
// overwrite each other.
type RedisBackend struct {
	client     redis.UniversalClient
	ownsClient bool
	prefix     string
	ttl        time.Duration
	mu         sync.RWMutex
	closed     bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "nexxi:session:").
	Prefix string
	// SessionTTL is the session expiry duration (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend dials Redis and creates a backend that owns the client.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	b := NewRedisBackendFromClient(client, cfg.Prefix, cfg.SessionTTL)
	b.ownsClient = true
	return b, nil
}

// NewRedisBackendFromClient creates a backend on a shared client.
// The caller keeps ownership of client.
func NewRedisBackendFromClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (b *RedisBackend) sessionKey(id string) string {
	return b.prefix + id
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func decodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

// Get retrieves a session by ID.
func (b *RedisBackend) Get(ctx context.Context, id string) (*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	data, err := b.client.Get(ctx, b.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(data)
}

// Update applies fn inside an optimistic transaction, retrying when another
// writer changes the key between the read and the commit.
func (b *RedisBackend) Update(ctx context.Context, id string, fn UpdateFunc) (*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	key := b.sessionKey(id)
	var result *Session

	txf := func(tx *redis.Tx) error {
		var current *Session
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("get session: %w", err)
		default:
			if current, err = decodeSession(data); err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, b.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := b.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("update session %s: %w", id, ErrConflict)
}

// Delete removes a session.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	n, err := b.client.Del(ctx, b.sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}
