package runlock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const keyPrefix = "circles:lock:"

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another run is never released by us.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker is a Locker shared by every process using the same Redis.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to redisURL. The lock expires after ttl if the holder
// dies without releasing it.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration) (*RedisLocker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "runlock: parse redis url")
	}

	// Connection pool settings
	opt.PoolSize = 4
	opt.MinIdleConns = 1
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "runlock: ping redis")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}, nil
}

// TryAcquire implements Locker with SET NX PX and a random token.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (Release, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, keyPrefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, eris.Wrap(err, "runlock: set lock")
	}
	if !ok {
		return nil, ErrHeld
	}

	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{keyPrefix + key}, token).Int()
		if err != nil {
			return eris.Wrap(err, "runlock: release lock")
		}
		if n == 0 {
			zap.L().Warn("runlock: lock expired before release", zap.String("key", key))
		}
		return nil
	}, nil
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
