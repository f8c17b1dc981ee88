package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore keeps records as JSON strings created with SET NX.
type RedisIdempotencyStore struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotencyStore(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "sagent"
	}
	return &RedisIdempotencyStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisIdempotencyStore) key(k string) string {
	return s.prefix + ":tool:" + k
}

func (s *RedisIdempotencyStore) Begin(ctx context.Context, key, tool string) (*Record, bool, error) {
	now := time.Now().UTC()
	rec := &Record{Key: key, Tool: tool, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode record: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, s.key(key), data, s.ttl).Result()
	if err != nil {
		return nil, false, errx.WrapRedis("idempotency.begin", err)
	}
	if ok {
		return rec, true, nil
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errx.Transient("idempotency.begin", fmt.Errorf("record %s expired during begin", key))
	}
	return existing, false, nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, key string, result Result) error {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("complete %s: no pending record", key)
	}
	result.Cached = false
	rec.Status = StatusDone
	rec.Result = &result
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(key), data, s.ttl).Err(); err != nil {
		return errx.WrapRedis("idempotency.complete", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errx.WrapRedis("idempotency.get", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return &rec, nil
}

var _ IdempotencyStore = (*RedisIdempotencyStore)(nil)
