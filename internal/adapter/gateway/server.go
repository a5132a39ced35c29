package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"llm-router/internal/adapter/sink"
	"llm-router/internal/domain"
	"llm-router/internal/infra/middleware"
	"llm-router/internal/usecase/health"
	"llm-router/internal/usecase/routing"
	"llm-router/internal/usecase/scheduling"
)

const (
	maxBodyBytes     = 1 << 20
	clientQueueSize  = 64
	writeTimeout     = 5 * time.Second
	shutdownTimeout  = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// StatsSource provides the running routing totals.
type StatsSource interface {
	Snapshot() sink.StatsSnapshot
}

// ProbeReporter provides the latest health probe outcomes.
type ProbeReporter interface {
	Statuses() []health.Status
}

// TaskLister provides the scheduled maintenance tasks.
type TaskLister interface {
	Tasks() []scheduling.TaskInfo
}

// Deps are the collaborators behind the HTTP API. Only Router is required.
type Deps struct {
	Router    *routing.Router
	Invoker   domain.Invoker
	Bus       domain.EventBus
	Stats     StatsSource
	Averages  sink.ModeAverager
	Probes    ProbeReporter
	Scheduler TaskLister

	DefaultMode     domain.OptimizationMode
	BaselineBackend string
	MonthlyRequests int
	InvokeTimeout   time.Duration
}

// Config holds listener and protection settings.
type Config struct {
	Addr      string
	RateLimit middleware.RateLimitConfig
	Auth      Authenticator // nil leaves the API open
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
	filter    atomic.Pointer[map[domain.EventType]struct{}]
}

func (cc *clientConn) wants(t domain.EventType) bool {
	f := cc.filter.Load()
	if f == nil {
		return true
	}
	_, ok := (*f)[t]
	return ok
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server exposes the router over HTTP and streams bus events over /ws.
type Server struct {
	deps      Deps
	cfg       Config
	logger    *slog.Logger
	clients   sync.Map // connID (uint64) -> *clientConn
	nextID    atomic.Uint64
	streaming atomic.Bool

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	unsubAll  func()
}

// NewServer creates a gateway server.
func NewServer(deps Deps, cfg Config, logger *slog.Logger) *Server {
	if !deps.DefaultMode.Valid() {
		deps.DefaultMode = domain.ModeSmartBalance
	}
	if deps.InvokeTimeout <= 0 {
		deps.InvokeTimeout = 30 * time.Second
	}
	return &Server{deps: deps, cfg: cfg, logger: logger}
}

// Handler returns the full middleware-wrapped API. Rate limiter cleanup
// stops when ctx is cancelled.
func (s *Server) Handler(ctx context.Context) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/route", s.handleRoute)
	api.HandleFunc("POST /api/v1/complete", s.handleComplete)
	api.HandleFunc("GET /api/v1/backends", s.handleBackends)
	api.HandleFunc("PUT /api/v1/backends/{id}/health", s.handleSetHealth)
	api.HandleFunc("GET /api/v1/stats", s.handleStats)
	api.HandleFunc("GET /api/v1/savings", s.handleSavings)
	api.HandleFunc("GET /ws", s.handleUpgrade)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("/", requireAuth(s.cfg.Auth, api))

	var h http.Handler = mux
	h = middleware.RateLimit(ctx, s.cfg.RateLimit)(h)
	h = middleware.SecurityHeaders(h)
	h = middleware.AccessLog(s.logger)(h)
	return h
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.startStreaming()
	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// startStreaming forwards every bus event to connected WebSocket clients.
func (s *Server) startStreaming() {
	if s.deps.Bus == nil || !s.streaming.CompareAndSwap(false, true) {
		return
	}
	unsub := s.deps.Bus.SubscribeAll(func(_ context.Context, event domain.Event) {
		s.clients.Range(func(_, value any) bool {
			cc := value.(*clientConn)
			if !cc.wants(event.Type) {
				return true
			}
			ev := event
			select {
			case cc.sendCh <- Frame{Type: FrameTypeEvent, Event: &ev}:
			default:
				s.logger.Warn("gateway: dropped event for slow client", "event", string(event.Type))
			}
			return true
		})
	})
	s.mu.Lock()
	s.unsubAll = unsub
	s.mu.Unlock()
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsub, srv := s.unsubAll, s.httpSrv
	s.unsubAll, s.httpSrv = nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
		s.streaming.Store(false)
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, domain.NewDomainError("gateway.ws", domain.ErrNotFound, "event stream not configured"))
		return
	}
	s.startStreaming()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		ws:     ws,
		sendCh: make(chan Frame, clientQueueSize),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("gateway client connected", "conn_id", connID)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeSubscribe {
			continue
		}
		if len(frame.Events) == 0 {
			cc.filter.Store(nil)
			continue
		}
		f := make(map[domain.EventType]struct{}, len(frame.Events))
		for _, t := range frame.Events {
			f[t] = struct{}{}
		}
		cc.filter.Store(&f)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
