// Package redisstore binds the plane's storage contracts to Redis, grounded
// on the same zero-configuration-with-overrides shape the framework uses
// for its execution debug store: fixed defaults overridable by functional
// options, and a connectivity check at construction time. Nothing here
// reads the environment.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/execplane/plane/core"
	"github.com/execplane/plane/storage"
)

const defaultKeyPrefix = "execplane:outbox:"

// Option configures an OutboxStore.
type Option func(*config)

type config struct {
	redisURL  string
	db        int
	logger    core.Logger
	keyPrefix string
	ttl       time.Duration
}

// WithLogger attaches a logger.
func WithLogger(l core.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDB selects the Redis logical database.
func WithDB(db int) Option {
	return func(c *config) { c.db = db }
}

// WithKeyPrefix overrides the default key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *config) { c.keyPrefix = prefix }
}

// WithTTL bounds how long committed outbox rows survive, after which the
// idempotency key becomes eligible for reuse.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) { c.ttl = ttl }
}

// OutboxStore is a Redis-backed storage.OutboxStore. One row per
// idempotency key, stored as a JSON hash value so Insert's absence check
// and the later Commit/Fail transitions are simple GET/SET operations
// against a single key.
type OutboxStore struct {
	client    *redis.Client
	logger    core.Logger
	keyPrefix string
	ttl       time.Duration
}

// NewOutboxStore connects to redisURL and verifies connectivity before
// returning, matching the framework's convention of failing fast with an
// actionable error at construction time rather than on first use.
func NewOutboxStore(ctx context.Context, redisURL string, opts ...Option) (*OutboxStore, error) {
	cfg := &config{
		redisURL:  redisURL,
		logger:    &core.NoOpLogger{},
		keyPrefix: defaultKeyPrefix,
		ttl:       24 * time.Hour,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	redisOpts, err := redis.ParseURL(cfg.redisURL)
	if err != nil {
		redisOpts = &redis.Options{Addr: cfg.redisURL}
	}
	redisOpts.DB = cfg.db

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: connection failed at %s (db %d): %w", cfg.redisURL, cfg.db, err)
	}

	cfg.logger.Info("redis outbox store initialized", map[string]interface{}{
		"redis_addr": redisOpts.Addr, "db": cfg.db, "key_prefix": cfg.keyPrefix,
	})

	return &OutboxStore{client: client, logger: cfg.logger, keyPrefix: cfg.keyPrefix, ttl: cfg.ttl}, nil
}

func (s *OutboxStore) key(idempotencyKey string) string {
	return s.keyPrefix + idempotencyKey
}

func (s *OutboxStore) Insert(ctx context.Context, key string) (storage.OutboxRecord, bool, error) {
	rec := storage.OutboxRecord{IdempotencyKey: key, State: storage.OutboxPending}
	data, err := json.Marshal(rec)
	if err != nil {
		return storage.OutboxRecord{}, false, err
	}

	ok, err := s.client.SetNX(ctx, s.key(key), data, s.ttl).Result()
	if err != nil {
		return storage.OutboxRecord{}, false, fmt.Errorf("redisstore: insert %s: %w", key, err)
	}
	if !ok {
		existing, found, err := s.Get(ctx, key)
		if err != nil {
			return storage.OutboxRecord{}, false, err
		}
		if found {
			return existing, false, nil
		}
	}
	return rec, true, nil
}

func (s *OutboxStore) Get(ctx context.Context, key string) (storage.OutboxRecord, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return storage.OutboxRecord{}, false, nil
	}
	if err != nil {
		return storage.OutboxRecord{}, false, fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	var rec storage.OutboxRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return storage.OutboxRecord{}, false, fmt.Errorf("redisstore: decode %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *OutboxStore) update(ctx context.Context, key string, mutate func(*storage.OutboxRecord)) error {
	rec, found, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		rec = storage.OutboxRecord{IdempotencyKey: key}
	}
	mutate(&rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), data, s.ttl).Err()
}

func (s *OutboxStore) Commit(ctx context.Context, key string, resultBlob []byte) error {
	return s.update(ctx, key, func(r *storage.OutboxRecord) {
		r.State = storage.OutboxCommitted
		r.ResultBlob = resultBlob
	})
}

func (s *OutboxStore) Fail(ctx context.Context, key string) error {
	return s.update(ctx, key, func(r *storage.OutboxRecord) {
		r.State = storage.OutboxFailed
	})
}

func (s *OutboxStore) IncrementAttempts(ctx context.Context, key string) (int, error) {
	var attempts int
	err := s.update(ctx, key, func(r *storage.OutboxRecord) {
		r.Attempts++
		attempts = r.Attempts
	})
	return attempts, err
}
