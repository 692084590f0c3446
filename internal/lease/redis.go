package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cimillas/donation-hub/services/verify/internal/metrics"
)

const keyPrefix = "verify:lease:"

// pollInterval is how often a waiting acquirer re-checks a held lease.
const pollInterval = 100 * time.Millisecond

// releaseScript deletes the key only when it still carries our token, so an
// expired-and-taken-over lease is never released out from under the new
// holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard is the distributed lease, for multi-replica deployments. The
// TTL rides on the Redis key itself, so a crashed holder expires without any
// coordination.
type RedisGuard struct {
	client *redis.Client
	opts   Options
	log    *zap.Logger
}

func NewRedisGuard(client *redis.Client, opts Options, log *zap.Logger) *RedisGuard {
	return &RedisGuard{client: client, opts: opts, log: log}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (Lease, error) {
	start := time.Now()
	defer func() {
		metrics.LeaseWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	token := uuid.NewString()
	redisKey := keyPrefix + key
	deadline := time.Now().Add(g.opts.AcquireWait)

	for {
		ok, err := g.client.SetNX(ctx, redisKey, token, g.opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lease: %w", err)
		}
		if ok {
			return &redisLease{guard: g, key: redisKey, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

type redisLease struct {
	guard *RedisGuard
	key   string
	token string
}

func (l *redisLease) Release(ctx context.Context) error {
	released, err := releaseScript.Run(ctx, l.guard.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if released == 0 {
		// TTL fired before release; the order will be rolled back by the
		// next acquirer.
		l.guard.log.Warn("lease already expired at release", zap.String("key", l.key))
	}
	return nil
}
