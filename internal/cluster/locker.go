package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Locker hands out expiring cluster-wide locks
type Locker struct {
	locker *redislock.Client
}

func NewLocker(rdb *redis.Client) *Locker {
	return &Locker{locker: redislock.New(rdb)}
}

// TryLock takes key until ttl runs out, without retrying. Returns false when
// another process holds it.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	_, err := l.locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
