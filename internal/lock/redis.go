package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a Locker shared between server replicas. Leases expire after ttl
// unless the holder keeps them alive; a background goroutine extends each
// lease at ttl/3 until it is released.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if prefix == "" {
		prefix = "campaign-dispatch:lock:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) TryAcquire(ctx context.Context, key string) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	l := &redisLease{r: r, key: key, token: token, stop: make(chan struct{}), lost: make(chan struct{})}
	go l.keepAlive()
	return l, nil
}

type redisLease struct {
	r     *Redis
	key   string
	token string
	stop  chan struct{}
	lost  chan struct{}
	once  sync.Once
}

func (l *redisLease) Lost() <-chan struct{} { return l.lost }

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		err = releaseScript.Run(ctx, l.r.client, []string{l.r.prefix + l.key}, l.token).Err()
	})
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

func (l *redisLease) keepAlive() {
	t := time.NewTicker(l.r.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.r.ttl/3)
			n, err := extendScript.Run(ctx, l.r.client, []string{l.r.prefix + l.key}, l.token, l.r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("key", l.key).Msg("extend lock")
				continue
			}
			if n == 0 {
				log.Error().Str("key", l.key).Msg("lock lost before release")
				close(l.lost)
				return
			}
		}
	}
}
