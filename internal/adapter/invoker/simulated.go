package invoker

import (
	"context"
	"time"

	"llm-router/internal/domain"
)

// SimulatedSuffix is appended to every canned response.
const SimulatedSuffix = " (Simulated response demonstrating intelligent routing)"

// Simulated answers from a fixed table of canned texts without any network
// call. It stands in for real provider clients in demos and tests.
type Simulated struct {
	responses map[string]string
	delay     time.Duration
}

// SimulatedOption configures a Simulated invoker.
type SimulatedOption func(*Simulated)

// WithDelay makes every call wait d (or until ctx is done).
func WithDelay(d time.Duration) SimulatedOption {
	return func(s *Simulated) { s.delay = d }
}

// NewSimulated creates an invoker answering with responses[backendID].
func NewSimulated(responses map[string]string, opts ...SimulatedOption) *Simulated {
	s := &Simulated{responses: make(map[string]string, len(responses))}
	for id, text := range responses {
		s.responses[id] = text
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invoke implements domain.Invoker.
func (s *Simulated) Invoke(ctx context.Context, backendID, _ string) (string, error) {
	text, ok := s.responses[backendID]
	if !ok {
		return "", domain.NewDomainError("invoker.Simulated", domain.ErrUnknownBackend, backendID)
	}

	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", domain.WrapOp("invoker.Simulated", ctx.Err())
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", domain.WrapOp("invoker.Simulated", err)
	}

	return text + SimulatedSuffix, nil
}

var _ domain.Invoker = (*Simulated)(nil)
