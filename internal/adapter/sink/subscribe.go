package sink

import (
	"context"
	"encoding/json"
	"log/slog"

	"llm-router/internal/domain"
)

// FailureSink is implemented by sinks that also count failed routings.
type FailureSink interface {
	RecordFailure(ctx context.Context, f domain.RoutingFailure) error
}

// Attach subscribes s to decision events on bus, and to failure events
// when s implements FailureSink. The returned func detaches it.
func Attach(bus domain.EventBus, s domain.DecisionSink, logger *slog.Logger) func() {
	unsubs := []func(){
		bus.Subscribe(domain.EventRoutingDecision, func(ctx context.Context, ev domain.Event) {
			var rec domain.DecisionRecord
			if err := json.Unmarshal(ev.Payload, &rec); err != nil {
				logger.Warn("sink: bad decision payload", "id", ev.RequestID, "error", err)
				return
			}
			if err := s.Record(ctx, rec); err != nil {
				logger.Error("sink: record decision failed", "id", rec.ID, "error", err)
			}
		}),
	}

	if fs, ok := s.(FailureSink); ok {
		unsubs = append(unsubs, bus.Subscribe(domain.EventRoutingFailed, func(ctx context.Context, ev domain.Event) {
			var f domain.RoutingFailure
			if err := json.Unmarshal(ev.Payload, &f); err != nil {
				logger.Warn("sink: bad failure payload", "error", err)
				return
			}
			if err := fs.RecordFailure(ctx, f); err != nil {
				logger.Error("sink: record failure failed", "error", err)
			}
		}))
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
