package eventbus

import (
	"context"
	"testing"
	"time"

	"llm-router/internal/domain"
)

func BenchmarkPublish(b *testing.B) {
	bus := newTestBus(WithQueueSize(b.N + 1))
	ctx := context.Background()
	event := domain.Event{Type: domain.EventRoutingDecision, Timestamp: time.Now()}
	bus.Subscribe(domain.EventRoutingDecision, func(context.Context, domain.Event) {})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
	bus.Close()
}

func BenchmarkPublishNoSubscribers(b *testing.B) {
	bus := newTestBus()
	ctx := context.Background()
	event := domain.Event{Type: domain.EventRoutingDecision, Timestamp: time.Now()}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
	bus.Close()
}

func BenchmarkPublishParallel(b *testing.B) {
	bus := newTestBus(WithQueueSize(4096))
	event := domain.Event{Type: domain.EventRoutingDecision, Timestamp: time.Now()}
	bus.SubscribeAll(func(context.Context, domain.Event) {})

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			bus.Publish(ctx, event)
		}
	})
	bus.Close()
}
