package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string `yaml:"address"`

	// Password for Redis authentication (optional)
	Password string `yaml:"password"`

	// Database number to use (default: 0)
	Database int `yaml:"database"`

	// Prefix is prepended to all keys (e.g., "fleetflow:ops:")
	Prefix string `yaml:"prefix"`

	// TTL is the time-to-live for operation keys (0 = no expiration)
	TTL time.Duration `yaml:"ttl"`

	// Timeout for Redis operations
	Timeout time.Duration `yaml:"timeout"`

	PoolSize     int `yaml:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:      address,
		Prefix:       "fleetflow:ops:",
		TTL:          7 * 24 * time.Hour,
		Timeout:      5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisBackend stores operations as JSON values with an index set of the
// running ones, so that any process sharing the Redis can report status.
type RedisBackend struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisBackend connects to Redis.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisBackend{cfg: cfg, client: client}, nil
}

func (b *RedisBackend) key(id string) string {
	return b.cfg.Prefix + "op:" + id
}

func (b *RedisBackend) runningSetKey() string {
	return b.cfg.Prefix + "running"
}

// Save writes op and maintains the running set.
func (b *RedisBackend) Save(ctx context.Context, op *Operation) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.key(op.ID), data, b.cfg.TTL)
	if op.Done() {
		pipe.SRem(ctx, b.runningSetKey(), op.ID)
	} else {
		pipe.SAdd(ctx, b.runningSetKey(), op.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save operation to Redis: %w", err)
	}
	return nil
}

// Load reads one operation.
func (b *RedisBackend) Load(ctx context.Context, id string) (*Operation, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := b.client.Get(ctx, b.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load operation from Redis: %w", err)
	}

	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation: %w", err)
	}
	return &op, nil
}

// List scans every stored operation.
func (b *RedisBackend) List(ctx context.Context) ([]*Operation, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	prefix := b.key("")
	var ids []string
	iter := b.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return b.loadAll(ctx, ids, false)
}

// ListRunning returns the operations in the running set. Entries whose key
// has expired or that have finished are pruned.
func (b *RedisBackend) ListRunning(ctx context.Context) ([]*Operation, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	ids, err := b.client.SMembers(ctx, b.runningSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get running operations: %w", err)
	}
	return b.loadAll(ctx, ids, true)
}

func (b *RedisBackend) loadAll(ctx context.Context, ids []string, runningOnly bool) ([]*Operation, error) {
	var ops []*Operation
	for _, id := range ids {
		op, err := b.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			if runningOnly {
				b.client.SRem(ctx, b.runningSetKey(), id)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if runningOnly && op.Done() {
			b.client.SRem(ctx, b.runningSetKey(), id)
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Name returns "redis".
func (b *RedisBackend) Name() string {
	return "redis"
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
