// Package panel serves the operations API: execution monitoring, control
// dispatch, checkpoints, analytics, diagrams, and the SSE event streams.
package panel

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/gantry/internal/control"
	"github.com/rendis/gantry/internal/filter"
	"github.com/rendis/gantry/internal/metrics"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/internal/streaming"
	"github.com/rendis/gantry/internal/validation"
)

// Deps holds the collaborators of the panel server.
type Deps struct {
	Processor   *control.Processor
	Batch       *control.BatchExecutor
	Checkpoints *control.CheckpointManager
	Analyzer    *control.Analyzer
	Filters     *filter.Engines
	Validator   *validation.RequestValidator
	Hub         streaming.EventHub
	EventLog    *store.EventLog
	Store       store.Store
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Server exposes the control plane over HTTP.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Validator == nil {
		deps.Validator = validation.NewRequestValidator()
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Liveness and metrics.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	// Read side.
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/executions/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /api/executions/{id}/analytics", s.handleAnalytics)
	mux.HandleFunc("GET /api/executions/{id}/diagram", s.handleDiagram)
	mux.HandleFunc("GET /api/executions/{id}/checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("GET /api/archive", s.handleListArchive)
	mux.HandleFunc("GET /api/archive/{id}", s.handleGetArchived)
	mux.HandleFunc("GET /api/operators", s.handleListOperators)

	// Control mutations.
	mux.HandleFunc("POST /api/executions/{id}/control", s.handleControl)
	mux.HandleFunc("POST /api/executions/{id}/checkpoints", s.handleCreateCheckpoint)
	mux.HandleFunc("POST /api/checkpoints/{id}/restore", s.handleRestoreCheckpoint)
	mux.HandleFunc("POST /api/batch", s.handleBatch)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tracked": s.deps.Processor.Registry().Len(),
	})
}
