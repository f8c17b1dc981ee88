package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Locker serialises Advance calls per conversation.
type Locker interface {
	// Lock blocks until the conversation is free or ctx is done.
	Lock(ctx context.Context, conversationID string) (unlock func(), err error)
}

// MemoryLocker is an in-process keyed mutex.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

func (l *MemoryLocker) Lock(ctx context.Context, conversationID string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[conversationID]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[conversationID] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(conversationID, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(conversationID, kl)
		})
	}, nil
}

func (l *MemoryLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

var (
	// releaseScript deletes the lease only if this holder still owns it.
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
	refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLocker is a lease lock shared by every engine process using the same
// Redis. The lease is refreshed while held and expires if the holder dies.
type RedisLocker struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger zerolog.Logger
}

func NewRedisLocker(rdb redis.Cmdable, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisLocker {
	if prefix == "" {
		prefix = "sagent"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl, poll: 25 * time.Millisecond, logger: logger}
}

func (l *RedisLocker) key(conversationID string) string {
	return fmt.Sprintf("%s:lock:{%s}", l.prefix, conversationID)
}

func (l *RedisLocker) Lock(ctx context.Context, conversationID string) (func(), error) {
	key := l.key(conversationID)
	token := uuid.NewString()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("lock %s: %w", conversationID, errx.WrapRedis("lock", err))
		}
		if ok {
			break
		}
		t := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(l.ttl / 3)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				n, err := refreshScript.Run(context.Background(), l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int64()
				if err != nil || n == 0 {
					l.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("conversation lease lost")
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			err := releaseScript.Run(context.Background(), l.rdb, []string{key}, token).Err()
			if err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to release conversation lease")
			}
		})
	}, nil
}

var (
	_ Locker = (*MemoryLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
