package backplane

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channel = "collab:backplane"

// Redis publishes broadcast frames on a pub/sub channel shared by all
// gateway instances. Delivery is fire-and-forget, matching the relay's
// own guarantee: a subscriber that is down simply misses events.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
	pubsub *redis.PubSub
}

func NewRedis(client *redis.Client, log *zap.Logger) *Redis {
	return &Redis{client: client, log: log}
}

func (b *Redis) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal backplane envelope")
	}
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return errors.Wrap(err, "publish backplane envelope")
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, fn func(Envelope)) error {
	b.pubsub = b.client.Subscribe(ctx, channel)
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return errors.Wrap(err, "subscribe backplane channel")
	}

	ch := b.pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.Warn("backplane: dropping malformed envelope", zap.Error(err))
					continue
				}
				fn(env)
			}
		}
	}()
	return nil
}

func (b *Redis) Close() error {
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
