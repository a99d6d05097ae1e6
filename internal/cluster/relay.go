package cluster

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/scrawl/internal/protocol"
)

const eventsChannel = "scrawl:rooms"

// Relay carries room events between server processes over redis pub/sub
type Relay struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRelay(rdb *redis.Client, logger *slog.Logger) *Relay {
	return &Relay{rdb: rdb, logger: logger}
}

func (r *Relay) Publish(ctx context.Context, env *protocol.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, eventsChannel, b).Err()
}

// Subscribe hands every envelope published by any process to deliver until
// ctx is done. Filtering out a process's own envelopes is up to deliver.
func (r *Relay) Subscribe(ctx context.Context, deliver func(*protocol.Envelope)) {
	sub := r.rdb.Subscribe(ctx, eventsChannel)
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			_ = sub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			env := &protocol.Envelope{}
			if err := json.Unmarshal([]byte(msg.Payload), env); err != nil {
				r.logger.Error("failed to unmarshal cluster event", slog.Any("error", err))
				continue
			}
			if env.RoomID == "" {
				r.logger.Warn("cluster event without room", slog.String("origin", env.Origin))
				continue
			}

			deliver(env)
		}
	}
}
