package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"llm-router/internal/adapter/sink"
	"llm-router/internal/domain"
	"llm-router/internal/usecase/health"
	"llm-router/internal/usecase/scheduling"
)

type routeRequest struct {
	Text     string `json:"text"`
	Mode     string `json:"mode"`
	Category string `json:"category"`
}

type completeRequest struct {
	Text string `json:"text"`
	Mode string `json:"mode"`
}

type healthRequest struct {
	Health string `json:"health"`
}

// CompleteResponse is the body returned by POST /api/v1/complete.
type CompleteResponse struct {
	ID        string                 `json:"id"`
	Decision  domain.RoutingDecision `json:"decision"`
	Response  string                 `json:"response"`
	LatencyMs int64                  `json:"latency_ms"`
}

// BackendView is one entry of GET /api/v1/backends.
type BackendView struct {
	domain.Backend
	Failover []string `json:"failover"`
}

// StatsResponse is the body returned by GET /api/v1/stats.
type StatsResponse struct {
	sink.StatsSnapshot
	AvailableBackends int `json:"available_backends"`
}

// HealthzResponse is the body returned by GET /healthz.
type HealthzResponse struct {
	Status            string                `json:"status"`
	Backends          int                   `json:"backends"`
	AvailableBackends int                   `json:"available_backends"`
	Probes            []health.Status       `json:"probes,omitempty"`
	Tasks             []scheduling.TaskInfo `json:"tasks,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Tried   []string         `json:"tried,omitempty"`
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, domain.NewDomainError("gateway.read", domain.ErrInvalidInput, err.Error())
	}
	if len(body) > maxBodyBytes {
		return nil, domain.NewDomainError("gateway.read", domain.ErrInvalidInput, "request body too large")
	}
	return body, nil
}

func (s *Server) mode(raw string) (domain.OptimizationMode, error) {
	if raw == "" {
		return s.deps.DefaultMode, nil
	}
	return domain.ParseOptimizationMode(raw)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req routeRequest
	if err := decodeValidated(body, routeSchema, &req); err != nil {
		writeError(w, err)
		return
	}
	mode, err := s.mode(req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Text == "" {
		category, err := domain.ParseTaskCategory(req.Category)
		if err != nil {
			writeError(w, err)
			return
		}
		decision, err := s.deps.Router.RouteCategory(r.Context(), category, mode)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.DecisionRecord{Timestamp: time.Now(), Decision: decision})
		return
	}

	rec, err := s.deps.Router.RouteRecord(r.Context(), req.Text, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if s.deps.Invoker == nil {
		writeError(w, domain.NewDomainError("gateway.complete", domain.ErrNotFound, "no invoker configured"))
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req completeRequest
	if err := decodeValidated(body, completeSchema, &req); err != nil {
		writeError(w, err)
		return
	}
	mode, err := s.mode(req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.deps.Router.RouteRecord(r.Context(), req.Text, mode)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.InvokeTimeout)
	defer cancel()
	start := time.Now()
	text, err := s.deps.Invoker.Invoke(ctx, rec.Decision.BackendID, req.Text)
	latency := time.Since(start).Milliseconds()
	if errors.Is(err, context.DeadlineExceeded) {
		err = domain.NewDomainError("gateway.complete", domain.ErrTimeout, rec.Decision.BackendID)
	}
	s.publishInvocation(r.Context(), rec, latency, err)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CompleteResponse{
		ID:        rec.ID,
		Decision:  rec.Decision,
		Response:  text,
		LatencyMs: latency,
	})
}

func (s *Server) publishInvocation(ctx context.Context, rec domain.DecisionRecord, latencyMs int64, invokeErr error) {
	if s.deps.Bus == nil {
		return
	}
	inv := domain.Invocation{
		RequestID: rec.ID,
		BackendID: rec.Decision.BackendID,
		Timestamp: time.Now(),
		LatencyMs: latencyMs,
	}
	if invokeErr != nil {
		inv.Error = invokeErr.Error()
	}
	ev, err := domain.NewEvent(domain.EventBackendInvoked, rec.ID, inv)
	if err != nil {
		s.logger.Warn("gateway: encode invocation event", "error", err)
		return
	}
	s.deps.Bus.Publish(context.WithoutCancel(ctx), ev)
}

func (s *Server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	backends := s.deps.Router.Registry().List()
	out := make([]BackendView, 0, len(backends))
	for _, b := range backends {
		chain := s.deps.Router.FailoverChain(b.ID)
		if chain == nil {
			chain = []string{}
		}
		out = append(out, BackendView{Backend: b, Failover: chain})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req healthRequest
	if err := decodeValidated(body, healthSchema, &req); err != nil {
		writeError(w, err)
		return
	}
	h, err := domain.ParseHealth(req.Health)
	if err != nil {
		writeError(w, err)
		return
	}
	registry := s.deps.Router.Registry()
	if err := registry.SetHealth(id, h); err != nil {
		writeError(w, err)
		return
	}
	b, err := registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("backend health set via API", "backend", id, "health", h.String())
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{AvailableBackends: s.deps.Router.Registry().AvailableCount()}
	if s.deps.Stats != nil {
		resp.StatsSnapshot = s.deps.Stats.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSavings(w http.ResponseWriter, r *http.Request) {
	requests := s.deps.MonthlyRequests
	if raw := r.URL.Query().Get("requests"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, domain.NewDomainError("gateway.savings", domain.ErrInvalidInput, "requests must be a non-negative integer"))
			return
		}
		requests = n
	}

	baseline, err := s.deps.Router.Registry().Get(s.deps.BaselineBackend)
	if err != nil {
		writeError(w, err)
		return
	}

	var observed []sink.ModeAverage
	if s.deps.Averages != nil {
		observed, err = s.deps.Averages.ModeAverages(r.Context())
		if err != nil {
			s.logger.Warn("gateway: mode averages unavailable, using assumed costs", "error", err)
			observed = nil
		}
	}
	writeJSON(w, http.StatusOK, sink.Project(requests, baseline.UnitCost, observed))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	registry := s.deps.Router.Registry()
	resp := HealthzResponse{
		Status:            "ok",
		Backends:          len(registry.List()),
		AvailableBackends: registry.AvailableCount(),
	}
	if s.deps.Probes != nil {
		resp.Probes = s.deps.Probes.Statuses()
	}
	if s.deps.Scheduler != nil {
		resp.Tasks = s.deps.Scheduler.Tasks()
	}
	status := http.StatusOK
	if resp.AvailableBackends == 0 {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// statusFor maps an error code to its HTTP status.
func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidInput, domain.CodeInvalidMode, domain.CodeInvalidCategory, domain.CodeInvalidHealth:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeUnknownBackend, domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeRateLimit:
		return http.StatusTooManyRequests
	case domain.CodeNoBackendAvailable:
		return http.StatusServiceUnavailable
	case domain.CodeInvocationFailed:
		return http.StatusBadGateway
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := domain.ErrorCodeOf(err)
	detail := errorDetail{Code: code, Message: err.Error()}
	var ue *domain.UnavailableError
	if errors.As(err, &ue) {
		detail.Tried = ue.Tried
	}
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		detail.Message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: detail})
}
