package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/redis/go-redis/v9"
)

// appendScript pushes ARGV[2] only when it carries seq LLEN+1, so concurrent
// writers cannot interleave or leave gaps.
var appendScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
if n + 1 ~= tonumber(ARGV[1]) then
  return -1
end
redis.call('RPUSH', KEYS[1], ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return n + 1
`)

// RedisStore keeps each conversation log in a Redis list.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store whose keys live under prefix. A zero ttl keeps logs forever.
func NewRedisStore(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "sagent"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(conversationID string) string {
	return fmt.Sprintf("%s:checkpoints:{%s}", s.prefix, conversationID)
}

func (s *RedisStore) Append(ctx context.Context, conversationID string, cp *Checkpoint) error {
	if err := checkAppend(conversationID, cp); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	n, err := appendScript.Run(ctx, s.rdb, []string{s.key(conversationID)}, cp.Seq, data, s.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("append %s: %w", conversationID, errx.WrapRedis("checkpoint.append", err))
	}
	if n < 0 {
		return fmt.Errorf("append %s seq %d: %w", conversationID, cp.Seq, ErrSequenceConflict)
	}
	return nil
}

func (s *RedisStore) Latest(ctx context.Context, conversationID string) (*Checkpoint, error) {
	raw, err := s.rdb.LIndex(ctx, s.key(conversationID), -1).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s: %w", conversationID, errx.WrapRedis("checkpoint.latest", err))
	}
	return decodeRedisCheckpoint(raw)
}

func (s *RedisStore) List(ctx context.Context, conversationID string) ([]*Checkpoint, error) {
	items, err := s.rdb.LRange(ctx, s.key(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", conversationID, errx.WrapRedis("checkpoint.list", err))
	}
	out := make([]*Checkpoint, 0, len(items))
	for _, item := range items {
		cp, err := decodeRedisCheckpoint([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Payloads are compact JSON, so the encoder round trip keeps checksums stable.
func decodeRedisCheckpoint(raw []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, errx.CorruptCheckpoint("checkpoint.decode", err)
	}
	return &cp, nil
}

var _ Store = (*RedisStore)(nil)
