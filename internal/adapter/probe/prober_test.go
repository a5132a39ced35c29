package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-router/internal/domain"
)

func TestProbeStatusCodes(t *testing.T) {
	tests := []struct {
		status  int
		wantErr bool
	}{
		{http.StatusOK, false},
		{http.StatusNoContent, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewHTTPProber(time.Second).Probe(context.Background(), domain.ProbeTarget{BackendID: "gpt4", URL: srv.URL})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProbeSendsBearerKey(t *testing.T) {
	var gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	err := NewHTTPProber(time.Second).Probe(context.Background(), domain.ProbeTarget{
		BackendID: "claude", URL: srv.URL, APIKey: "sk-test",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, userAgent, gotUA)
}

func TestProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := NewHTTPProber(5*time.Second).Probe(context.Background(), domain.ProbeTarget{
		BackendID: "gemini", URL: srv.URL, Timeout: 50 * time.Millisecond,
	})
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewHTTPProber(time.Second).Probe(context.Background(), domain.ProbeTarget{BackendID: "gpt35", URL: url})
	assert.Error(t, err)
}

func TestProbeMissingURL(t *testing.T) {
	err := NewHTTPProber(0).Probe(context.Background(), domain.ProbeTarget{BackendID: "gpt35"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestWithHTTPClient(t *testing.T) {
	c := &http.Client{}
	p := NewHTTPProber(0, WithHTTPClient(c))
	assert.Same(t, c, p.client)
}

func TestNewPooledTransportDefaults(t *testing.T) {
	tr := NewPooledTransport(0, PoolConfig{})
	assert.Equal(t, defaultMaxIdleConns, tr.MaxIdleConns)
	assert.Equal(t, defaultMaxConnsPerHost, tr.MaxConnsPerHost)
	assert.Equal(t, defaultConnTimeout, tr.ResponseHeaderTimeout)

	tr = NewPooledTransport(2*time.Second, PoolConfig{MaxIdleConns: 4})
	assert.Equal(t, 4, tr.MaxIdleConns)
	assert.Equal(t, 2*time.Second, tr.TLSHandshakeTimeout)
}
