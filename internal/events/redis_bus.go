package events

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/makeasinger/songforge/internal/logger"
)

type RedisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus publishes on channel through an existing client. The client is
// owned by the caller.
func NewRedisBus(rdb *goredis.Client, channel string, log *logger.Logger) (*RedisBus, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if channel == "" {
		channel = "songforge:events"
	}
	return &RedisBus{
		log:     log.With("service", "RedisEventBus"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *RedisBus) StartForwarder(ctx context.Context, onEvent func(ev Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad redis event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()

	return nil
}

// Close is a no-op; the client belongs to the caller.
func (b *RedisBus) Close() error { return nil }
