package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a lease in Redis (SET NX PX) shared by writers on several hosts.
type RedisLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLock returns a lock on key. ttl bounds how long a crashed holder
// can block others.
func NewRedisLock(client redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLock{client: client, key: key, ttl: ttl, poll: 100 * time.Millisecond}
}

// NewRedisClient connects to addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func (l *RedisLock) Acquire(ctx context.Context) (func() error, error) {
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", l.key, err)
		}
		if ok {
			return func() error {
				// Release must work after the caller's context is done.
				n, err := releaseScript.Run(context.Background(), l.client, []string{l.key}, token).Int64()
				if err != nil {
					return fmt.Errorf("redis unlock %s: %w", l.key, err)
				}
				if n == 0 {
					return ErrNotHeld
				}
				return nil
			}, nil
		}

		t := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("redis lock %s: %w", l.key, ctx.Err())
		case <-t.C:
		}
	}
}
