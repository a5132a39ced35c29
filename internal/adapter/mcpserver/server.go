// Package mcpserver exposes the router as Model Context Protocol tools
// over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"llm-router/internal/adapter/sink"
	"llm-router/internal/domain"
	"llm-router/internal/usecase/routing"
)

const serverName = "llm-router"

// Deps are the collaborators behind the tools. Only Router is required.
type Deps struct {
	Router          *routing.Router
	Averages        sink.ModeAverager
	DefaultMode     domain.OptimizationMode
	BaselineBackend string
	MonthlyRequests int
}

// Server wraps an MCP server with the routing tools registered.
type Server struct {
	deps    Deps
	mcp     *server.MCPServer
	logger  *slog.Logger
	version string
}

// New registers the route_query, list_backends and estimate_savings tools.
func New(deps Deps, version string, logger *slog.Logger) *Server {
	if !deps.DefaultMode.Valid() {
		deps.DefaultMode = domain.ModeSmartBalance
	}
	s := &Server{
		deps:    deps,
		mcp:     server.NewMCPServer(serverName, version, server.WithToolCapabilities(false)),
		logger:  logger,
		version: version,
	}

	modes := make([]string, 0, 3)
	for _, m := range domain.Modes() {
		modes = append(modes, m.String())
	}

	s.mcp.AddTool(mcp.NewTool("route_query",
		mcp.WithDescription("Classify a query and pick the backend that should serve it under an optimization mode."),
		mcp.WithString("text", mcp.Required(), mcp.Description("The query to route")),
		mcp.WithString("mode", mcp.Enum(modes...), mcp.Description("Optimization mode; defaults to "+deps.DefaultMode.String())),
	), s.routeQuery)

	s.mcp.AddTool(mcp.NewTool("list_backends",
		mcp.WithDescription("List the backend catalog with live health and failover chains."),
	), s.listBackends)

	s.mcp.AddTool(mcp.NewTool("estimate_savings",
		mcp.WithDescription("Project monthly cost per optimization mode against the baseline backend."),
		mcp.WithNumber("requests", mcp.Description("Monthly request volume")),
	), s.estimateSavings)

	return s
}

// MCPServer returns the underlying server, e.g. for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Serve speaks MCP over the given streams until ctx is cancelled or stdin
// closes.
func (s *Server) Serve(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	s.logger.Info("mcp server started", "version", s.version)
	return server.NewStdioServer(s.mcp).Listen(ctx, stdin, stdout)
}

func (s *Server) routeQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	mode := s.deps.DefaultMode
	if raw := req.GetString("mode", ""); raw != "" {
		if mode, err = domain.ParseOptimizationMode(raw); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	rec, err := s.deps.Router.RouteRecord(ctx, text, mode)
	if err != nil {
		s.logger.Warn("mcp: route_query failed", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rec)
}

func (s *Server) listBackends(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type view struct {
		domain.Backend
		Failover []string `json:"failover"`
	}
	var out []view
	for _, b := range s.deps.Router.Registry().List() {
		out = append(out, view{Backend: b, Failover: s.deps.Router.FailoverChain(b.ID)})
	}
	return jsonResult(out)
}

func (s *Server) estimateSavings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requests := int(req.GetFloat("requests", float64(s.deps.MonthlyRequests)))
	if requests < 0 {
		return mcp.NewToolResultError("requests must be >= 0"), nil
	}
	baseline, err := s.deps.Router.Registry().Get(s.deps.BaselineBackend)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var observed []sink.ModeAverage
	if s.deps.Averages != nil {
		if observed, err = s.deps.Averages.ModeAverages(ctx); err != nil {
			s.logger.Warn("mcp: mode averages unavailable", "error", err)
			observed = nil
		}
	}
	return jsonResult(sink.Project(requests, baseline.UnitCost, observed))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, domain.WrapOp("mcpserver.encode", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
