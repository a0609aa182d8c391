package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"voice-jobs-go/internal/logger"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX. The TTL bounds how long a crashed
// holder can block others.
type Redis struct {
	rdb       goredis.UniversalClient
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
	log       *logger.Logger
}

func NewRedis(rdb goredis.UniversalClient, ttl time.Duration, log *logger.Logger) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("redis client required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Redis{
		rdb:       rdb,
		prefix:    "voicejobs:lock:",
		ttl:       ttl,
		retryWait: 25 * time.Millisecond,
		log:       log.Component("lock"),
	}, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	name := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.rdb.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(r.retryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(relCtx, r.rdb, []string{name}, token).Err(); err != nil {
			r.log.WithError(err).WithField("key", key).Warn("release lock failed")
		}
	}, nil
}
