package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hookflow/pkg/schema"
)

const defaultChannelBuffer = 256

// subscriber holds a channel and filter for a single subscriber.
type subscriber struct {
	ch     chan *schema.Event
	filter Filter
	done   chan struct{}
}

// MemoryBus is an in-process Bus that fans every event out to all matching
// subscribers.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryBus creates a new MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish delivers ev to every matching subscriber. Events are never dropped:
// a full subscriber buffer blocks the publisher until ctx is done.
func (b *MemoryBus) Publish(ctx context.Context, ev *schema.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp(ev)

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(ev) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by filter.
// Returns a receive-only channel, a cancel function, and any error.
func (b *MemoryBus) Subscribe(ctx context.Context, filter Filter) (<-chan *schema.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := b.seq.Add(1)
	sub := &subscriber{
		ch:     make(chan *schema.Event, defaultChannelBuffer),
		filter: filter,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}

	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// stamp fills the event id and emission time when unset.
func stamp(ev *schema.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
}
