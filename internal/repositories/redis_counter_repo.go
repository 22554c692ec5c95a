package repositories

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/safetyworks/sitecore/internal/models"
)

const (
	redisCounterPrefix = "sitecore:attempts:"
	redisWindowPrefix  = "sitecore:ratelimit:"

	// Optimistic-lock conflicts only; a Redis fault is returned immediately.
	maxWatchConflicts = 8
)

// RedisCounterRepository keeps lockout counters in Redis hashes so they are
// shared by every server instance. Each hash expires after ttl of inactivity.
type RedisCounterRepository struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisCounterRepository(client redis.UniversalClient, ttl time.Duration) *RedisCounterRepository {
	return &RedisCounterRepository{client: client, ttl: ttl}
}

func decodeCounter(key string, fields map[string]string) *models.AttemptCounter {
	c := &models.AttemptCounter{Key: key}
	c.Count, _ = strconv.Atoi(fields["count"])
	c.Lockouts, _ = strconv.Atoi(fields["lockouts"])
	if ms, err := strconv.ParseInt(fields["first_failure_at"], 10, 64); err == nil && ms > 0 {
		c.FirstFailureAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["locked_until"], 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms).UTC()
		c.LockedUntil = &t
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		c.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return c
}

func encodeCounter(c *models.AttemptCounter) map[string]any {
	var first, locked int64
	if !c.FirstFailureAt.IsZero() {
		first = c.FirstFailureAt.UnixMilli()
	}
	if c.LockedUntil != nil {
		locked = c.LockedUntil.UnixMilli()
	}
	return map[string]any{
		"count":            c.Count,
		"lockouts":         c.Lockouts,
		"first_failure_at": first,
		"locked_until":     locked,
		"updated_at":       c.UpdatedAt.UnixMilli(),
	}
}

func (r *RedisCounterRepository) Get(ctx context.Context, key string) (*models.AttemptCounter, error) {
	fields, err := r.client.HGetAll(ctx, redisCounterPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrNotFound
	}
	return decodeCounter(key, fields), nil
}

// Update runs fn inside WATCH/MULTI. If another writer touches the key between
// the read and the write the transaction is retried with the fresh value.
func (r *RedisCounterRepository) Update(ctx context.Context, key string, fn func(*models.AttemptCounter) error) (*models.AttemptCounter, error) {
	rkey := redisCounterPrefix + key
	var out *models.AttemptCounter

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, rkey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		c := decodeCounter(key, fields)
		if err := fn(c); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rkey, encodeCounter(c))
			pipe.PExpire(ctx, rkey, r.ttlFor(c))
			return nil
		})
		if err == nil {
			out = c
		}
		return err
	}

	for i := 0; i < maxWatchConflicts; i++ {
		err := r.client.Watch(ctx, txf, rkey)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("redis counter update: %w", err)
		}
	}
	return nil, fmt.Errorf("redis counter update: too many concurrent writers for %q", key)
}

// ttlFor keeps a locked counter alive at least until its lock ends.
func (r *RedisCounterRepository) ttlFor(c *models.AttemptCounter) time.Duration {
	ttl := r.ttl
	if c.LockedUntil != nil {
		if d := c.LockedUntil.Sub(c.UpdatedAt) + r.ttl; d > ttl {
			ttl = d
		}
	}
	return ttl
}

func (r *RedisCounterRepository) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	rkeys := make([]string, len(keys))
	for i, k := range keys {
		rkeys[i] = redisCounterPrefix + k
	}
	if err := r.client.Del(ctx, rkeys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeleteStale is a no-op: Redis expires idle counters itself.
func (r *RedisCounterRepository) DeleteStale(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// incrWindow increments a fixed-window counter and starts the window on the
// first hit. It returns the new count and the window's remaining lifetime.
var incrWindow = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisWindowRepository keeps rate-limit windows in Redis.
type RedisWindowRepository struct {
	client redis.UniversalClient
}

func NewRedisWindowRepository(client redis.UniversalClient) *RedisWindowRepository {
	return &RedisWindowRepository{client: client}
}

func (r *RedisWindowRepository) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (*models.RateWindow, error) {
	res, err := incrWindow.Run(ctx, r.client, []string{redisWindowPrefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis window increment: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis window increment: unexpected reply %v", res)
	}
	remaining := time.Duration(res[1]) * time.Millisecond
	return &models.RateWindow{
		Key:         key,
		Count:       int(res[0]),
		WindowStart: now.Add(remaining - window),
	}, nil
}

// DeleteStale is a no-op: window keys carry their own expiry.
func (r *RedisWindowRepository) DeleteStale(context.Context, time.Time) (int64, error) {
	return 0, nil
}
