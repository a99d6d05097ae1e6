// Package cluster shares live room state between server processes through redis.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/scrawl/internal/canvas"
)

const defaultSlotTTL = 90 * time.Second

// Live identities per room are a sorted set scored by slot expiry (unix ms).
// Expired members are dropped before every decision, so a crashed process
// frees its slots once they are no longer refreshed.
var claimScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local expiry = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local identity = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now)

if not redis.call('ZSCORE', key, identity) then
	if redis.call('ZCARD', key) >= capacity then
		return -1
	end
end

redis.call('ZADD', key, expiry, identity)
redis.call('PEXPIREAT', key, expiry)
return redis.call('ZCARD', key)
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREM', key, ARGV[2])
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[1])
return redis.call('ZCARD', key)
`)

// Presence is the cluster-wide live-slot count for each room
type Presence struct {
	rdb      *redis.Client
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

func NewPresence(rdb *redis.Client, capacity int) *Presence {
	return &Presence{rdb: rdb, capacity: capacity, ttl: defaultSlotTTL, now: time.Now}
}

func liveKey(roomID string) string {
	return fmt.Sprintf("scrawl:live:%v", roomID)
}

// Claim takes a slot for identity, or refreshes one it already holds
func (p *Presence) Claim(ctx context.Context, roomID, identity string) (int, error) {
	now := p.now()
	n, err := claimScript.Run(ctx, p.rdb, []string{liveKey(roomID)},
		now.UnixMilli(), now.Add(p.ttl).UnixMilli(), p.capacity, identity,
	).Int()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, canvas.ErrRoomFull
	}
	return n, nil
}

func (p *Presence) Release(ctx context.Context, roomID, identity string) (int, error) {
	return releaseScript.Run(ctx, p.rdb, []string{liveKey(roomID)}, p.now().UnixMilli(), identity).Int()
}

// Refresh pushes out the expiry of slots still held by this process.
// Slots released in the meantime are not recreated.
func (p *Presence) Refresh(ctx context.Context, live map[string][]string) error {
	expiry := p.now().Add(p.ttl)

	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for roomID, identities := range live {
			key := liveKey(roomID)
			members := make([]redis.Z, 0, len(identities))
			for _, identity := range identities {
				members = append(members, redis.Z{Score: float64(expiry.UnixMilli()), Member: identity})
			}
			pipe.ZAddXX(ctx, key, members...)
			pipe.PExpireAt(ctx, key, expiry)
		}
		return nil
	})
	return err
}
