package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/gantry/internal/diagram"
	"github.com/rendis/gantry/internal/filter"
	"github.com/rendis/gantry/internal/identity"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/pkg/schema"
)

// handleControl applies one control action to one execution.
func (s *GantryServer) handleControl(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	actionRaw, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	operatorID, err := req.RequireString("operator_id")
	if err != nil {
		return mcp.NewToolResultError("operator_id is required"), nil
	}

	if regErr := s.ensureOperator(ctx, operatorID); regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to register operator: %v", regErr)), nil
	}
	s.captureSession(ctx, operatorID)

	rawParams := mcp.ParseStringMap(req, "params", nil)
	if s.payloads != nil {
		payload := map[string]any{
			"execution_id": executionID,
			"action":       actionRaw,
			"requested_by": operatorID,
		}
		if len(rawParams) > 0 {
			payload["params"] = rawParams
		}
		if perr := s.payloads.ValidateControlPayload(payload); perr != nil {
			return mcp.NewToolResultError(perr.Error()), nil
		}
	}

	action, parseErr := schema.ParseAction(actionRaw)
	if parseErr != nil {
		return mcp.NewToolResultError(parseErr.Error()), nil
	}
	params, decodeErr := decodeParams(action, rawParams)
	if decodeErr != nil {
		return mcp.NewToolResultError(decodeErr.Error()), nil
	}

	creq := &schema.ControlRequest{
		ExecutionID: executionID,
		Action:      action,
		RequestedBy: operatorID,
		Params:      params,
	}
	if verr := s.validator.ControlRequest(creq); verr != nil {
		return mcp.NewToolResultError(verr.Error()), nil
	}

	switch p := params.(type) {
	case schema.RetryParams, schema.RetryFromNodeParams:
		return marshalResult(s.processor.Retry(ctx, executionID, params, operatorID))
	case schema.CancelParams:
		return marshalResult(s.processor.Cancel(ctx, executionID, p, operatorID))
	case schema.PartialParams:
		return marshalResult(s.processor.ConfigurePartial(ctx, executionID, p, operatorID))
	default:
		return marshalResult(s.processor.Process(ctx, creq))
	}
}

// handleBatch applies one action to many executions.
func (s *GantryServer) handleBatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionIDs := stringSlice(req, "execution_ids")
	if len(executionIDs) == 0 {
		return mcp.NewToolResultError("execution_ids is required"), nil
	}
	actionRaw, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	operatorID, err := req.RequireString("operator_id")
	if err != nil {
		return mcp.NewToolResultError("operator_id is required"), nil
	}

	if regErr := s.ensureOperator(ctx, operatorID); regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to register operator: %v", regErr)), nil
	}
	s.captureSession(ctx, operatorID)

	action, parseErr := schema.ParseAction(actionRaw)
	if parseErr != nil {
		return mcp.NewToolResultError(parseErr.Error()), nil
	}
	params, decodeErr := decodeParams(action, mcp.ParseStringMap(req, "params", nil))
	if decodeErr != nil {
		return mcp.NewToolResultError(decodeErr.Error()), nil
	}

	breq := &schema.BatchRequest{
		ExecutionIDs:      executionIDs,
		Action:            action,
		ContinueOnFailure: req.GetBool("continue_on_failure", false),
		RequestedBy:       operatorID,
		Params:            params,
	}
	if verr := s.validator.BatchRequest(breq); verr != nil {
		return mcp.NewToolResultError(verr.Error()), nil
	}

	return marshalResult(s.batch.Execute(ctx, breq))
}

// handleTrack returns the full control context, tracking on demand.
func (s *GantryServer) handleTrack(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	ectx, trackErr := s.processor.Track(ctx, executionID)
	if trackErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("track failed: %v", trackErr)), nil
	}
	return marshalResult(ectx)
}

// handleMonitor snapshots tracked executions, optionally filtered by an
// expression evaluated in one of the engines.
func (s *GantryServer) handleMonitor(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mreq := &schema.MonitorRequest{
		ExecutionIDs:   stringSlice(req, "execution_ids"),
		IncludeHistory: req.GetBool("include_history", false),
		IncludeMetrics: req.GetBool("include_metrics", false),
		Limit:          req.GetInt("limit", 0),
		Filter:         req.GetString("filter", ""),
		FilterEngine:   req.GetString("engine", ""),
	}
	for _, raw := range stringSlice(req, "states") {
		state, parseErr := schema.ParseExecutionState(raw)
		if parseErr != nil {
			return mcp.NewToolResultError(parseErr.Error()), nil
		}
		mreq.States = append(mreq.States, state)
	}

	if verr := s.validator.MonitorRequest(mreq); verr != nil {
		return mcp.NewToolResultError(verr.Error()), nil
	}

	var matcher func(*schema.MonitoringSnapshot) (bool, error)
	if mreq.Filter != "" {
		engine, engErr := s.filters.Get(mreq.FilterEngine)
		if engErr != nil {
			return mcp.NewToolResultError(engErr.Error()), nil
		}
		matcher = filter.Matcher(engine, mreq.Filter)
	}

	snaps, monErr := s.processor.Monitor(ctx, mreq, matcher)
	if monErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("monitor failed: %v", monErr)), nil
	}
	return marshalResult(map[string]any{
		"executions": snaps,
		"count":      len(snaps),
	})
}

// handleHistory returns the control audit trail of one execution.
func (s *GantryServer) handleHistory(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	entries, histErr := s.processor.History(executionID, req.GetInt("limit", 0))
	if histErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history query failed: %v", histErr)), nil
	}
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"history":      entries,
		"count":        len(entries),
	})
}

// handleAnalytics builds the post-mortem report, optionally reshaped by jq.
func (s *GantryServer) handleAnalytics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	areq := &schema.AnalyticsRequest{
		ExecutionID:          executionID,
		IncludePerformance:   req.GetBool("performance", true),
		IncludeOptimizations: req.GetBool("optimizations", true),
		IncludeErrors:        req.GetBool("errors", true),
		Transform:            req.GetString("transform", ""),
	}

	report, repErr := s.analyzer.Report(areq)
	if repErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("analytics failed: %v", repErr)), nil
	}

	if areq.Transform != "" {
		out, terr := s.transformReport(ctx, report, areq.Transform)
		if terr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("transform failed: %v", terr)), nil
		}
		return marshalResult(out)
	}
	return marshalResult(report)
}

// transformReport applies a jq expression to the JSON form of the report.
func (s *GantryServer) transformReport(ctx context.Context, report *schema.AnalyticsReport, expr string) (any, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return s.filters.JQ.Evaluate(ctx, expr, data)
}

// handleCheckpoint creates, restores, or lists checkpoints.
func (s *GantryServer) handleCheckpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, err := req.RequireString("op")
	if err != nil {
		return mcp.NewToolResultError("op is required"), nil
	}

	switch op {
	case "create":
		executionID := req.GetString("execution_id", "")
		if executionID == "" {
			return mcp.NewToolResultError("execution_id is required for create"), nil
		}
		// Track on demand so a checkpoint can be taken right after discovery.
		if _, trackErr := s.processor.Track(ctx, executionID); trackErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("track failed: %v", trackErr)), nil
		}
		result := s.checkpoints.Create(ctx, executionID,
			req.GetString("description", ""),
			mcp.ParseStringMap(req, "metadata", nil),
		)
		return marshalResult(result)

	case "restore":
		checkpointID := req.GetString("checkpoint_id", "")
		if checkpointID == "" {
			return mcp.NewToolResultError("checkpoint_id is required for restore"), nil
		}
		result := s.checkpoints.Restore(ctx, checkpointID, req.GetBool("preserve_progress", false))
		return marshalResult(result)

	case "list":
		executionID := req.GetString("execution_id", "")
		if executionID == "" {
			return mcp.NewToolResultError("execution_id is required for list"), nil
		}
		checkpoints := s.checkpoints.List(executionID)
		return marshalResult(map[string]any{
			"execution_id": executionID,
			"checkpoints":  checkpoints,
			"count":        len(checkpoints),
		})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown checkpoint op: %s", op)), nil
	}
}

// handleDiagram renders the node graph of an execution.
func (s *GantryServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}

	ectx, trackErr := s.processor.Track(ctx, executionID)
	if trackErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("track failed: %v", trackErr)), nil
	}
	model, buildErr := diagram.Build(ectx)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}
}

// handleQuery lists archived executions, operators, or durable events.
func (s *GantryServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filterMap := mcp.ParseStringMap(req, "filter", nil)

	if resource == "sources" {
		if s.sources == nil {
			return mcp.NewToolResultError("no execution sources are registered"), nil
		}
		infos := s.sources.List()
		return marshalResult(map[string]any{"sources": infos, "count": len(infos)})
	}
	if s.store == nil {
		return mcp.NewToolResultError("store is not configured"), nil
	}

	switch resource {
	case "archive":
		archived, listErr := s.store.ListArchivedExecutions(ctx, store.ArchiveFilter{
			WorkflowID: stringField(filterMap, "workflow_id"),
			FinalState: stringField(filterMap, "state"),
			Limit:      extractInt(filterMap, "limit", 50),
		})
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"executions": archived, "count": len(archived)})

	case "operators":
		operators, listErr := s.store.ListOperators(ctx)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"operators": operators, "count": len(operators)})

	case "events":
		executionID := stringField(filterMap, "execution_id")
		if executionID == "" {
			return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
		}
		events, listErr := s.store.GetEvents(ctx, executionID, int64(extractInt(filterMap, "since", 0)))
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"events": events, "count": len(events)})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Internal helpers ---

// decodeParams resolves an untyped parameter bag into the typed params for
// the action.
func decodeParams(action schema.Action, bag map[string]any) (schema.ActionParams, error) {
	var raw json.RawMessage
	if bag != nil {
		data, err := json.Marshal(bag)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return schema.DecodeActionParams(action, raw)
}

// ensureOperator registers the operator on first contact and bumps last-seen
// on every call. A nil store disables operator identity entirely.
func (s *GantryServer) ensureOperator(ctx context.Context, operatorID string) error {
	if s.store == nil {
		return nil
	}
	_, err := identity.EnsureRegistered(ctx, s.store, operatorID, operatorID, "llm", nil)
	return err
}

// captureSession maps the operator ID to its current MCP session for
// notifications.
func (s *GantryServer) captureSession(ctx context.Context, operatorID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(operatorID, session.SessionID())
	}
}

// stringSlice reads a string-array argument, tolerating both []string and
// the []any the JSON decoder produces.
func stringSlice(req mcp.CallToolRequest, key string) []string {
	args := req.GetArguments()
	if args == nil {
		return nil
	}
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// stringField safely extracts a string from a filter map.
func stringField(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	s, _ := filter[key].(string)
	return s
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
