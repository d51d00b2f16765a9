package event

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/HerbHall/labdash/pkg/plugin"
	"go.uber.org/zap"
)

func TestPublish_TopicAndWildcard(t *testing.T) {
	b := NewBus(zap.NewNop())
	var topic, all atomic.Int32

	b.Subscribe("catalog.service.created", func(context.Context, plugin.Event) { topic.Add(1) })
	b.SubscribeAll(func(context.Context, plugin.Event) { all.Add(1) })

	_ = b.Publish(context.Background(), plugin.Event{Topic: "catalog.service.created"})
	_ = b.Publish(context.Background(), plugin.Event{Topic: "catalog.refresh.completed"})

	if got := topic.Load(); got != 1 {
		t.Errorf("topic handler calls = %d, want 1", got)
	}
	if got := all.Load(); got != 2 {
		t.Errorf("wildcard handler calls = %d, want 2", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus(zap.NewNop())
	var calls atomic.Int32

	unsub := b.Subscribe("x", func(context.Context, plugin.Event) { calls.Add(1) })
	unsubAll := b.SubscribeAll(func(context.Context, plugin.Event) { calls.Add(1) })
	unsub()
	unsubAll()

	_ = b.Publish(context.Background(), plugin.Event{Topic: "x"})
	if got := calls.Load(); got != 0 {
		t.Errorf("calls after unsubscribe = %d, want 0", got)
	}
}

func TestPublishAsync_Wait(t *testing.T) {
	b := NewBus(zap.NewNop())
	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		b.Subscribe("x", func(context.Context, plugin.Event) { calls.Add(1) })
	}

	b.PublishAsync(context.Background(), plugin.Event{Topic: "x"})
	b.Wait()

	if got := calls.Load(); got != 5 {
		t.Errorf("calls = %d, want 5", got)
	}
}

func TestPanickingHandlerIsContained(t *testing.T) {
	b := NewBus(zap.NewNop())
	var after atomic.Bool

	b.Subscribe("x", func(context.Context, plugin.Event) { panic("boom") })
	b.Subscribe("x", func(context.Context, plugin.Event) { after.Store(true) })

	if err := b.Publish(context.Background(), plugin.Event{Topic: "x"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !after.Load() {
		t.Error("handler after a panicking handler was not called")
	}
}
