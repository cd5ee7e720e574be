package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/hookflow/pkg/schema"
)

const defaultPollTimeout = time.Second

// RedisBus is a Bus backed by a Redis list used as a work queue:
//
//	<prefix>events
//
// Values are JSON-encoded events. Subscribers compete for events, so every
// event is handled by exactly one hookflow instance.
type RedisBus struct {
	client *redis.Client
	key    string
	logger *slog.Logger
	poll   time.Duration
}

// NewRedisBus constructs a Redis-backed Bus. prefix defaults to "hookflow:".
func NewRedisBus(client *redis.Client, prefix string, logger *slog.Logger) *RedisBus {
	if prefix == "" {
		prefix = "hookflow:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, key: prefix + "events", logger: logger, poll: defaultPollTimeout}
}

// Publish pushes ev onto the queue (LPUSH).
func (b *RedisBus) Publish(ctx context.Context, ev *schema.Event) error {
	stamp(ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.client.LPush(ctx, b.key, data).Err()
}

// Subscribe starts a consumer that pops events (BRPOP) until ctx is done or
// cancel is called. Events not matching filter are discarded.
func (b *RedisBus) Subscribe(ctx context.Context, filter Filter) (<-chan *schema.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan *schema.Event)

	go func() {
		defer close(ch)
		for subCtx.Err() == nil {
			res, err := b.client.BRPop(subCtx, b.poll, b.key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || subCtx.Err() != nil {
					continue
				}
				b.logger.Warn("redis bus pop failed", slog.String("error", err.Error()))
				select {
				case <-time.After(b.poll):
				case <-subCtx.Done():
				}
				continue
			}
			if len(res) != 2 {
				continue
			}

			var ev schema.Event
			if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
				b.logger.Warn("redis bus dropped undecodable event", slog.String("error", err.Error()))
				continue
			}
			if !filter.Matches(&ev) {
				continue
			}
			select {
			case ch <- &ev:
			case <-subCtx.Done():
				// Give the event back so another consumer can take it.
				if data, err := json.Marshal(&ev); err == nil {
					_ = b.client.RPush(context.WithoutCancel(subCtx), b.key, data).Err()
				}
				return
			}
		}
	}()

	return ch, cancel, nil
}

// Len returns the number of queued events (LLEN).
func (b *RedisBus) Len(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, b.key).Result()
}

var (
	_ Bus = (*RedisBus)(nil)
	_ Bus = (*MemoryBus)(nil)
)
