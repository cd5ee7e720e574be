package bus

import (
	"context"
	"slices"

	"github.com/rendis/hookflow/pkg/schema"
)

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	EventTypes []string `json:"eventTypes,omitempty"`
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev *schema.Event) bool {
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, ev.Type)
}

// Bus delivers domain events to subscribers.
type Bus interface {
	Publish(ctx context.Context, ev *schema.Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan *schema.Event, func(), error)
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, ev *schema.Event)

// Consume subscribes to b and invokes handle for every event until ctx is
// done or the subscription channel closes.
func Consume(ctx context.Context, b Bus, filter Filter, handle Handler) error {
	ch, cancel, err := b.Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			handle(ctx, ev)
		}
	}
}
