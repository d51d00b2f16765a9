// Package event provides the in-process implementation of plugin.EventBus.
package event

import (
	"context"
	"sync"

	"github.com/HerbHall/labdash/pkg/plugin"
	"go.uber.org/zap"
)

var _ plugin.EventBus = (*Bus)(nil)

// Bus fans events out to topic subscribers and wildcard subscribers.
// Publish runs handlers on the caller's goroutine; PublishAsync runs each
// handler on its own goroutine and Wait blocks until those have returned.
type Bus struct {
	mu       sync.RWMutex
	byTopic  map[string][]subscription
	wildcard []subscription
	nextID   uint64
	inflight sync.WaitGroup
	logger   *zap.Logger
}

type subscription struct {
	id      uint64
	handler plugin.EventHandler
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		byTopic: make(map[string][]subscription),
		logger:  logger,
	}
}

// Publish delivers the event synchronously.
func (b *Bus) Publish(ctx context.Context, e plugin.Event) error {
	for _, s := range b.matching(e.Topic) {
		b.deliver(ctx, s.handler, e)
	}
	return nil
}

// PublishAsync delivers the event without blocking the caller.
func (b *Bus) PublishAsync(ctx context.Context, e plugin.Event) {
	for _, s := range b.matching(e.Topic) {
		b.inflight.Add(1)
		go func(h plugin.EventHandler) {
			defer b.inflight.Done()
			b.deliver(ctx, h, e)
		}(s.handler)
	}
}

// Wait blocks until every asynchronously dispatched handler has returned.
func (b *Bus) Wait() {
	b.inflight.Wait()
}

// Subscribe registers a handler for one topic.
func (b *Bus) Subscribe(topic string, handler plugin.EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.byTopic[topic] = append(b.byTopic[topic], subscription{id: id, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byTopic[topic] = without(b.byTopic[topic], id)
	}
}

// SubscribeAll registers a handler for every topic.
func (b *Bus) SubscribeAll(handler plugin.EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.wildcard = append(b.wildcard, subscription{id: id, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = without(b.wildcard, id)
	}
}

// matching snapshots the subscribers for a topic so handlers run unlocked.
func (b *Bus) matching(topic string) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]subscription, 0, len(b.byTopic[topic])+len(b.wildcard))
	out = append(out, b.byTopic[topic]...)
	out = append(out, b.wildcard...)
	return out
}

func (b *Bus) deliver(ctx context.Context, handler plugin.EventHandler, e plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", e.Topic),
				zap.String("source", e.Source),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, e)
}

func without(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
