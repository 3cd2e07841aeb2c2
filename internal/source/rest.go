package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rendis/gantry/pkg/schema"
)

// RESTConfig configures a RESTSource.
type RESTConfig struct {
	// Name is the registry name of this source instance.
	Name string
	// BaseURL is the engine's API root, e.g. "http://localhost:5678/api/v1".
	BaseURL string
	// APIKey is sent on every request when set.
	APIKey string
	// APIKeyHeader defaults to "X-N8N-API-KEY".
	APIKeyHeader string
	// Timeout bounds each HTTP call when the context has no earlier deadline.
	Timeout time.Duration
}

// RESTSource adapts an n8n-style workflow engine REST API to the
// ExecutionSource contract.
type RESTSource struct {
	cfg    RESTConfig
	client *http.Client
}

// NewRESTSource creates a REST adapter. client may be nil.
func NewRESTSource(cfg RESTConfig, client *http.Client) *RESTSource {
	if cfg.Name == "" {
		cfg.Name = "n8n"
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-N8N-API-KEY"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &RESTSource{cfg: cfg, client: client}
}

func (s *RESTSource) Name() string { return s.cfg.Name }

// Ping checks API reachability via the executions listing endpoint.
func (s *RESTSource) Ping(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodGet, "/executions?limit=1", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return schema.NewErrorf(schema.ErrCodeSourceUnavailable,
			"source %s answered status %d", s.cfg.Name, resp.StatusCode)
	}
	return nil
}

// Snapshot fetches one execution including its run data and maps it into the
// neutral snapshot shape.
func (s *RESTSource) Snapshot(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	path := fmt.Sprintf("/executions/%s?includeData=true", url.PathEscape(executionID))
	resp, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"execution %q not found on source %s", executionID, s.cfg.Name).
			WithExecution(executionID)
	case resp.StatusCode >= 500:
		return nil, schema.NewErrorf(schema.ErrCodeSourceUnavailable,
			"source %s answered status %d", s.cfg.Name, resp.StatusCode).
			WithExecution(executionID)
	case resp.StatusCode != http.StatusOK:
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator,
			"source %s answered status %d", s.cfg.Name, resp.StatusCode).
			WithExecution(executionID)
	}

	var raw restExecution
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator,
			"source %s returned an undecodable execution payload", s.cfg.Name).
			WithExecution(executionID).WithCause(err)
	}
	return raw.toSnapshot(executionID)
}

// Dispatch maps the control action onto the engine's command endpoints.
func (s *RESTSource) Dispatch(ctx context.Context, executionID string, action schema.Action, params map[string]any) (*schema.DispatchResult, error) {
	path, ok := commandPath(executionID, action)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"source %s has no command for action %s", s.cfg.Name, action)
	}

	var body io.Reader
	if len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "control parameters are not serializable").WithCause(err)
		}
		body = bytes.NewReader(raw)
	}

	resp, err := s.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	detail := readDetail(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"execution %q not found on source %s", executionID, s.cfg.Name).
			WithExecution(executionID)
	case resp.StatusCode >= 500:
		return nil, schema.NewErrorf(schema.ErrCodeSourceUnavailable,
			"source %s answered status %d", s.cfg.Name, resp.StatusCode).
			WithExecution(executionID)
	case resp.StatusCode >= 400:
		return &schema.DispatchResult{Accepted: false, Detail: detail}, nil
	}
	return &schema.DispatchResult{Accepted: true, Detail: detail}, nil
}

func (s *RESTSource) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed source request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.cfg.APIKey != "" {
		req.Header.Set(s.cfg.APIKeyHeader, s.cfg.APIKey)
	}
	return s.client.Do(req)
}

// commandPath maps actions to engine endpoints. retry-from-node and
// execute-partial reuse the retry endpoint; the parameter body narrows the
// scope.
func commandPath(executionID string, action schema.Action) (string, bool) {
	id := url.PathEscape(executionID)
	switch action {
	case schema.ActionPause:
		return "/executions/" + id + "/pause", true
	case schema.ActionResume, schema.ActionRetry, schema.ActionRetryFromNode, schema.ActionExecutePartial:
		return "/executions/" + id + "/retry", true
	case schema.ActionStop, schema.ActionCancel:
		return "/executions/" + id + "/stop", true
	case schema.ActionSkipNode:
		return "/executions/" + id + "/skip", true
	}
	return "", false
}

func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var msg struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &msg) == nil && msg.Message != "" {
		return msg.Message
	}
	return string(raw)
}

// restExecution mirrors the engine's execution payload.
type restExecution struct {
	ID           string     `json:"id"`
	WorkflowID   string     `json:"workflowId"`
	Status       string     `json:"status"`
	Mode         string     `json:"mode"`
	Finished     bool       `json:"finished"`
	StartedAt    *time.Time `json:"startedAt"`
	StoppedAt    *time.Time `json:"stoppedAt"`
	WorkflowData *struct {
		Nodes []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Type     string `json:"type"`
			Disabled bool   `json:"disabled"`
		} `json:"nodes"`
		Connections map[string]struct {
			Main [][]struct {
				Node string `json:"node"`
			} `json:"main"`
		} `json:"connections"`
	} `json:"workflowData"`
	Data *struct {
		ResultData struct {
			RunData map[string][]struct {
				StartTime     float64 `json:"startTime"`
				ExecutionTime int64   `json:"executionTime"`
				Error         *struct {
					Message string `json:"message"`
					Name    string `json:"name"`
				} `json:"error"`
			} `json:"runData"`
		} `json:"resultData"`
	} `json:"data"`
	Metrics *struct {
		DurationMs    int64   `json:"durationMs"`
		PeakMemoryMB  float64 `json:"peakMemoryMb"`
		AvgCPUPercent float64 `json:"avgCpuPercent"`
	} `json:"metrics"`
}

// mapStatus translates the engine's status vocabulary.
func mapStatus(status string, finished bool) (schema.ExecutionState, error) {
	switch status {
	case "success":
		return schema.StateCompleted, nil
	case "error", "crashed":
		return schema.StateFailed, nil
	case "canceled", "cancelled":
		return schema.StateCancelled, nil
	case "running":
		return schema.StateRunning, nil
	case "waiting":
		return schema.StateWaiting, nil
	case "new":
		return schema.StatePending, nil
	case "":
		if finished {
			return schema.StateCompleted, nil
		}
		return schema.StateRunning, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown source status %q", status)
}

func (e *restExecution) toSnapshot(executionID string) (*schema.ExecutionSnapshot, error) {
	status, err := mapStatus(e.Status, e.Finished)
	if err != nil {
		return nil, err
	}

	snap := &schema.ExecutionSnapshot{
		ExecutionID: executionID,
		WorkflowID:  e.WorkflowID,
		Status:      status,
		Mode:        e.Mode,
		StartedAt:   e.StartedAt,
		StoppedAt:   e.StoppedAt,
	}

	nameToID := map[string]string{}
	if e.WorkflowData != nil {
		graph := &schema.NodeGraph{}
		for _, n := range e.WorkflowData.Nodes {
			id := n.ID
			if id == "" {
				id = n.Name
			}
			nameToID[n.Name] = id
			graph.Nodes = append(graph.Nodes, schema.Node{
				ID: id, Name: n.Name, Type: n.Type, Disabled: n.Disabled,
			})
		}
		for fromName, conns := range e.WorkflowData.Connections {
			from, ok := nameToID[fromName]
			if !ok {
				continue
			}
			for _, branch := range conns.Main {
				for _, target := range branch {
					if to, ok := nameToID[target.Node]; ok {
						graph.Connections = append(graph.Connections, schema.Connection{From: from, To: to})
					}
				}
			}
		}
		snap.Graph = graph
	}

	if e.Data != nil {
		for nodeName, runs := range e.Data.ResultData.RunData {
			if len(runs) == 0 {
				continue
			}
			id, ok := nameToID[nodeName]
			if !ok {
				id = nodeName
			}
			last := runs[len(runs)-1]
			run := schema.NodeRun{
				NodeID:     id,
				Status:     schema.NodeRunCompleted,
				DurationMs: last.ExecutionTime,
				RetryCount: len(runs) - 1,
			}
			if last.StartTime > 0 {
				started := time.UnixMilli(int64(last.StartTime)).UTC()
				run.StartedAt = &started
				if last.ExecutionTime > 0 {
					finished := started.Add(time.Duration(last.ExecutionTime) * time.Millisecond)
					run.FinishedAt = &finished
				}
			}
			if last.Error != nil {
				run.Status = schema.NodeRunFailed
				run.Error = last.Error.Message
				run.ErrorType = last.Error.Name
			}
			snap.NodeRuns = append(snap.NodeRuns, run)
		}
	}

	if e.Metrics != nil {
		snap.Metrics = &schema.ExecutionMetrics{
			DurationMs:    e.Metrics.DurationMs,
			PeakMemoryMB:  e.Metrics.PeakMemoryMB,
			AvgCPUPercent: e.Metrics.AvgCPUPercent,
		}
	} else if e.StartedAt != nil && e.StoppedAt != nil {
		snap.Metrics = &schema.ExecutionMetrics{
			DurationMs: e.StoppedAt.Sub(*e.StartedAt).Milliseconds(),
		}
	}
	return snap, nil
}
