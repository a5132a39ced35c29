package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"llm-router/internal/domain"
)

const userAgent = "llm-router-probe/1"

// HTTPProber checks reachability with a GET against the backend's probe URL.
// Any response below 500 counts as reachable: auth failures and 404s still
// prove the endpoint is up.
type HTTPProber struct {
	client *http.Client
}

// Option configures an HTTPProber.
type Option func(*HTTPProber)

// WithHTTPClient replaces the pooled client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *HTTPProber) { p.client = c }
}

// NewHTTPProber creates a prober. connTimeout bounds dial, TLS and header wait.
func NewHTTPProber(connTimeout time.Duration, opts ...Option) *HTTPProber {
	p := &HTTPProber{
		client: &http.Client{
			Transport: NewPooledTransport(connTimeout, PoolConfig{}),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe implements domain.HealthProber.
func (p *HTTPProber) Probe(ctx context.Context, target domain.ProbeTarget) error {
	if target.URL == "" {
		return domain.NewDomainError("probe.Probe", domain.ErrInvalidInput, "no probe url for "+target.BackendID)
	}
	if target.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return domain.NewDomainError("probe.Probe", domain.ErrInvalidInput, err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	if target.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+target.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.WrapOp("probe.Probe", fmt.Errorf("%s: %w", target.BackendID, domain.ErrTimeout))
		}
		return domain.WrapOp("probe.Probe", fmt.Errorf("%s: %w", target.BackendID, err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return domain.WrapOp("probe.Probe", fmt.Errorf("%s: status %d", target.BackendID, resp.StatusCode))
	}
	return nil
}

var _ domain.HealthProber = (*HTTPProber)(nil)
