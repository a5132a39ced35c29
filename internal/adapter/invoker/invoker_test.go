package invoker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-router/internal/domain"
	"llm-router/internal/usecase/routing"
)

func TestSimulatedInvoke(t *testing.T) {
	inv := NewSimulated(map[string]string{"gemini": "Here is an efficient response"})

	out, err := inv.Invoke(context.Background(), "gemini", "What is Go?")
	require.NoError(t, err)
	assert.Equal(t, "Here is an efficient response (Simulated response demonstrating intelligent routing)", out)

	_, err = inv.Invoke(context.Background(), "gpt5", "x")
	assert.ErrorIs(t, err, domain.ErrUnknownBackend)
}

func TestSimulatedDelayHonoursContext(t *testing.T) {
	inv := NewSimulated(map[string]string{"gpt4": "slow"}, WithDelay(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := inv.Invoke(ctx, "gpt4", "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimulatedCopiesResponses(t *testing.T) {
	src := map[string]string{"gpt35": "a"}
	inv := NewSimulated(src)
	src["gpt35"] = "b"

	out, err := inv.Invoke(context.Background(), "gpt35", "")
	require.NoError(t, err)
	assert.Equal(t, "a"+SimulatedSuffix, out)
}

type flakyInvoker struct {
	mu   sync.Mutex
	fail bool
}

func (f *flakyInvoker) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyInvoker) Invoke(ctx context.Context, id, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.fail {
		return "", errors.New("upstream 502")
	}
	return "ok:" + id, nil
}

type recordingHealth struct {
	mu      sync.Mutex
	changes []string
}

func (r *recordingHealth) SetHealth(id string, h domain.Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, id+"="+h.String())
	return nil
}

func TestBreakerMarksBackendUnavailable(t *testing.T) {
	inner := &flakyInvoker{fail: true}
	health := &recordingHealth{}
	b := NewBreaker(inner, health, BreakerConfig{MaxFailures: 2, Timeout: 50 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	for range 2 {
		_, err := b.Invoke(ctx, "claude", "hi")
		assert.ErrorIs(t, err, domain.ErrInvocationFailed)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State("claude"))
	assert.Equal(t, []string{"claude=unavailable"}, health.changes)

	_, err := b.Invoke(ctx, "claude", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")

	// Other backends keep their own breaker.
	inner.setFail(false)
	out, err := b.Invoke(ctx, "gpt4", "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok:gpt4", out)

	time.Sleep(80 * time.Millisecond)
	out, err = b.Invoke(ctx, "claude", "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok:claude", out)
	assert.Equal(t, gobreaker.StateClosed, b.State("claude"))
	assert.Equal(t, []string{"claude=unavailable", "claude=available"}, health.changes)
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	b := NewBreaker(&flakyInvoker{}, nil, BreakerConfig{MaxFailures: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Invoke(ctx, "gemini", "x")
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateClosed, b.State("gemini"))
}

func TestBreakerUnseenBackendIsClosed(t *testing.T) {
	b := NewBreaker(&flakyInvoker{}, nil, BreakerConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, gobreaker.StateClosed, b.State("nobody"))
	assert.Equal(t, defaultMaxFailures, b.cfg.MaxFailures)
}

func TestBreakerRestoresBackendToRouting(t *testing.T) {
	router, err := routing.NewRouter(routing.DefaultSettings(), routing.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	inner := &flakyInvoker{fail: true}
	b := NewBreaker(inner, router.Registry(), BreakerConfig{MaxFailures: 2, Timeout: 20 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(b.Close)
	ctx := context.Background()
	const story = "write a short story"

	for range 2 {
		d, err := router.Route(ctx, story, domain.ModePerformanceFirst)
		require.NoError(t, err)
		require.Equal(t, "gpt4", d.BackendID)
		_, err = b.Invoke(ctx, d.BackendID, story)
		require.Error(t, err)
	}

	d, err := router.Route(ctx, story, domain.ModePerformanceFirst)
	require.NoError(t, err)
	assert.Equal(t, "claude", d.BackendID)
	assert.True(t, d.FailedOver)

	inner.setFail(false)
	require.Eventually(t, func() bool {
		d, err := router.Route(ctx, story, domain.ModePerformanceFirst)
		return err == nil && d.BackendID == "gpt4"
	}, time.Second, 5*time.Millisecond)

	out, err := b.Invoke(ctx, "gpt4", story)
	require.NoError(t, err)
	assert.Equal(t, "ok:gpt4", out)
	assert.Equal(t, gobreaker.StateClosed, b.State("gpt4"))

	d, err = router.Route(ctx, story, domain.ModePerformanceFirst)
	require.NoError(t, err)
	assert.Equal(t, "gpt4", d.BackendID)
	assert.False(t, d.FailedOver)
}

func TestBreakerFailedTrialTripsAgain(t *testing.T) {
	inner := &flakyInvoker{fail: true}
	health := &recordingHealth{}
	b := NewBreaker(inner, health, BreakerConfig{MaxFailures: 1, Timeout: 20 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(b.Close)
	ctx := context.Background()

	_, err := b.Invoke(ctx, "gpt4", "x")
	require.Error(t, err)
	require.Eventually(t, func() bool {
		health.mu.Lock()
		defer health.mu.Unlock()
		return len(health.changes) == 2
	}, time.Second, 5*time.Millisecond)

	_, err = b.Invoke(ctx, "gpt4", "x")
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, b.State("gpt4"))

	health.mu.Lock()
	defer health.mu.Unlock()
	assert.Equal(t, []string{"gpt4=unavailable", "gpt4=available", "gpt4=unavailable"}, health.changes)
}

func TestBreakerCloseStopsReenable(t *testing.T) {
	health := &recordingHealth{}
	b := NewBreaker(&flakyInvoker{fail: true}, health, BreakerConfig{MaxFailures: 1, Timeout: 20 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := b.Invoke(context.Background(), "gemini", "x")
	require.Error(t, err)
	b.Close()
	time.Sleep(50 * time.Millisecond)

	health.mu.Lock()
	defer health.mu.Unlock()
	assert.Equal(t, []string{"gemini=unavailable"}, health.changes)
}

func TestBreakerKeepsInnerErrorChain(t *testing.T) {
	inner := NewSimulated(map[string]string{"gpt4": "slow"}, WithDelay(time.Second))
	b := NewBreaker(inner, nil, BreakerConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Invoke(ctx, "gpt4", "x")
	assert.ErrorIs(t, err, domain.ErrInvocationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
