package panel

import (
	"encoding/json"
	"net/http"

	"github.com/rendis/gantry/internal/diagram"
	"github.com/rendis/gantry/internal/filter"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/pkg/schema"
)

// handleListExecutions snapshots tracked executions, optionally narrowed by
// id, state, and a filter expression evaluated by one of the engines.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := &schema.MonitorRequest{
		ExecutionIDs:   q["id"],
		IncludeHistory: queryBool(r, "include_history", false),
		IncludeMetrics: queryBool(r, "include_metrics", false),
		Limit:          queryInt(r, "limit", 0),
		Filter:         q.Get("filter"),
		FilterEngine:   q.Get("engine"),
	}
	for _, raw := range q["state"] {
		state, err := schema.ParseExecutionState(raw)
		if err != nil {
			writeControlError(w, s, err)
			return
		}
		req.States = append(req.States, state)
	}

	if err := s.deps.Validator.MonitorRequest(req); err != nil {
		writeControlError(w, s, err)
		return
	}

	var matcher func(*schema.MonitoringSnapshot) (bool, error)
	if req.Filter != "" {
		engine, err := s.deps.Filters.Get(req.FilterEngine)
		if err != nil {
			writeControlError(w, s, err)
			return
		}
		matcher = filter.Matcher(engine, req.Filter)
	}

	snaps, err := s.deps.Processor.Monitor(r.Context(), req, matcher)
	if err != nil {
		writeControlError(w, s, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": snaps,
		"count":      len(snaps),
	})
}

// handleGetExecution returns the full tracked context, tracking the execution
// on demand when the registry has not seen it yet.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ectx, err := s.deps.Processor.Track(r.Context(), r.PathValue("id"))
	if err != nil {
		writeControlError(w, s, err)
		return
	}
	writeJSON(w, http.StatusOK, ectx)
}

// handleHistory returns the control audit trail of one execution.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	entries, err := s.deps.Processor.History(executionID, queryInt(r, "limit", 0))
	if err != nil {
		writeControlError(w, s, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": executionID,
		"history":      entries,
		"count":        len(entries),
	})
}

// handleAnalytics builds the post-mortem report, optionally reshaped by a jq
// transform.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	req := &schema.AnalyticsRequest{
		ExecutionID:          r.PathValue("id"),
		IncludePerformance:   queryBool(r, "performance", true),
		IncludeOptimizations: queryBool(r, "optimizations", true),
		IncludeErrors:        queryBool(r, "errors", true),
		Transform:            r.URL.Query().Get("transform"),
	}

	report, err := s.deps.Analyzer.Report(req)
	if err != nil {
		writeControlError(w, s, err)
		return
	}

	if req.Transform != "" {
		out, terr := s.transformReport(r, report, req.Transform)
		if terr != nil {
			writeControlError(w, s, terr)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// transformReport applies a jq expression to the JSON form of the report.
func (s *Server) transformReport(r *http.Request, report *schema.AnalyticsReport, expr string) (any, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeFilter, "report is not serializable").WithCause(err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, schema.NewError(schema.ErrCodeFilter, "report is not an object").WithCause(err)
	}
	return s.deps.Filters.JQ.Evaluate(r.Context(), expr, data)
}

// handleDiagram renders the execution node graph. Formats: mermaid (default),
// ascii, png.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	ectx, err := s.deps.Processor.Track(r.Context(), r.PathValue("id"))
	if err != nil {
		writeControlError(w, s, err)
		return
	}

	model, err := diagram.Build(ectx)
	if err != nil {
		writeControlError(w, s, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderASCII(model)))
	case "png":
		png, rerr := diagram.RenderImage(model)
		if rerr != nil {
			writeControlError(w, s, rerr)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	default:
		writeError(w, http.StatusBadRequest, "unknown diagram format: "+format)
	}
}

// handleListCheckpoints lists the in-memory checkpoints of one execution.
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	checkpoints := s.deps.Checkpoints.List(executionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": executionID,
		"checkpoints":  checkpoints,
		"count":        len(checkpoints),
	})
}

// handleExecutionEvents reads the durable event log for one execution.
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.EventLog == nil {
		writeError(w, http.StatusServiceUnavailable, "event log is not configured")
		return
	}
	executionID := r.PathValue("id")
	events, err := s.deps.EventLog.Events(r.Context(), executionID, int64(queryInt(r, "since", 0)))
	if err != nil {
		writeControlError(w, s, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": executionID,
		"events":       events,
		"count":        len(events),
	})
}

// handleListArchive lists archived (evicted) executions.
func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "archive store is not configured")
		return
	}
	archived, err := s.deps.Store.ListArchivedExecutions(r.Context(), store.ArchiveFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		FinalState: r.URL.Query().Get("state"),
		Limit:      queryInt(r, "limit", 50),
	})
	if err != nil {
		writeControlError(w, s, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": archived,
		"count":      len(archived),
	})
}

// handleGetArchived returns one archived execution with its frozen context.
func (s *Server) handleGetArchived(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "archive store is not configured")
		return
	}
	archived, err := s.deps.Store.GetArchivedExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeControlError(w, s, err)
		return
	}
	writeJSON(w, http.StatusOK, archived)
}

// handleListOperators lists registered operators.
func (s *Server) handleListOperators(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "operator store is not configured")
		return
	}
	operators, err := s.deps.Store.ListOperators(r.Context())
	if err != nil {
		writeControlError(w, s, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operators": operators,
		"count":     len(operators),
	})
}
