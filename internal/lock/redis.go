package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// releaseScript deletes the key only while it still holds our token, so a
// holder whose TTL expired cannot release somebody else's lock.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

const keyPrefix = "rewards:lock:account:"

// Redis is a lock shared by every process pointed at the same Redis.
type Redis struct {
	client     redis.Cmdable
	ttl        time.Duration
	retryEvery time.Duration
	token      func() string
	log        logrus.FieldLogger
}

func NewRedis(client redis.Cmdable, ttl time.Duration, log logrus.FieldLogger) *Redis {
	return &Redis{
		client:     client,
		ttl:        ttl,
		retryEvery: 25 * time.Millisecond,
		token:      uuid.NewString,
		log:        log,
	}
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := r.token()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("%w: %v", ErrNotAcquired, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(r.retryEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.client.Eval(releaseCtx, releaseScript, []string{redisKey}, token).Err(); err != nil {
				r.log.WithFields(logrus.Fields{"key": redisKey, "error": err}).Warn("account lock release failed; waiting for ttl")
			}
		})
	}, nil
}
