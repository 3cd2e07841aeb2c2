package panel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rendis/gantry/pkg/schema"
)

// controlBody is the wire form of a single control request. Params stay raw
// until the action is known.
type controlBody struct {
	Action      string          `json:"action"`
	Params      json.RawMessage `json:"params,omitempty"`
	RequestedBy string          `json:"requested_by,omitempty"`
}

// handleControl applies one control action to one execution.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")

	var body controlBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	action, err := schema.ParseAction(body.Action)
	if err != nil {
		writeControlError(w, s, err)
		return
	}
	params, err := schema.DecodeActionParams(action, body.Params)
	if err != nil {
		writeControlError(w, s, err)
		return
	}

	req := &schema.ControlRequest{
		ExecutionID: executionID,
		Action:      action,
		RequestedBy: body.RequestedBy,
		Params:      params,
	}
	if err := s.deps.Validator.ControlRequest(req); err != nil {
		writeControlError(w, s, err)
		return
	}

	ctx := r.Context()
	switch p := params.(type) {
	case schema.RetryParams, schema.RetryFromNodeParams:
		resp := s.deps.Processor.Retry(ctx, executionID, params, body.RequestedBy)
		writeControlResponse(w, &resp.ControlResponse, resp)
	case schema.CancelParams:
		resp := s.deps.Processor.Cancel(ctx, executionID, p, body.RequestedBy)
		writeControlResponse(w, &resp.ControlResponse, resp)
	case schema.PartialParams:
		resp := s.deps.Processor.ConfigurePartial(ctx, executionID, p, body.RequestedBy)
		writeControlResponse(w, &resp.ControlResponse, resp)
	default:
		resp := s.deps.Processor.Process(ctx, req)
		writeControlResponse(w, resp, resp)
	}
}

// handleBatch applies one action to many executions.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ExecutionIDs      []string        `json:"execution_ids"`
		Action            string          `json:"action"`
		Params            json.RawMessage `json:"params,omitempty"`
		ContinueOnFailure bool            `json:"continue_on_failure,omitempty"`
		RequestedBy       string          `json:"requested_by,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	action, err := schema.ParseAction(body.Action)
	if err != nil {
		writeControlError(w, s, err)
		return
	}
	params, err := schema.DecodeActionParams(action, body.Params)
	if err != nil {
		writeControlError(w, s, err)
		return
	}

	req := &schema.BatchRequest{
		ExecutionIDs:      body.ExecutionIDs,
		Action:            action,
		ContinueOnFailure: body.ContinueOnFailure,
		RequestedBy:       body.RequestedBy,
		Params:            params,
	}
	if err := s.deps.Validator.BatchRequest(req); err != nil {
		writeControlError(w, s, err)
		return
	}

	resp := s.deps.Batch.Execute(r.Context(), req)
	status := http.StatusOK
	if resp.Error != nil {
		status = httpStatusFor(resp.Error.Code)
	}
	writeJSON(w, status, resp)
}

// handleCreateCheckpoint snapshots the current node state of an execution.
func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")

	var body struct {
		Description string         `json:"description,omitempty"`
		Metadata    map[string]any `json:"metadata,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	// Track on demand so a checkpoint can be taken right after discovery.
	if _, err := s.deps.Processor.Track(r.Context(), executionID); err != nil {
		writeControlError(w, s, err)
		return
	}

	result := s.deps.Checkpoints.Create(r.Context(), executionID, body.Description, body.Metadata)
	status := http.StatusCreated
	if !result.Created {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

// handleRestoreCheckpoint rewinds the owning execution to a checkpoint.
func (s *Server) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	checkpointID := r.PathValue("id")

	var body struct {
		PreserveProgress bool `json:"preserve_progress,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	result := s.deps.Checkpoints.Restore(r.Context(), checkpointID, body.PreserveProgress)
	status := http.StatusOK
	if !result.Restored {
		if result.Message == "checkpoint not found" {
			status = http.StatusNotFound
		} else {
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, result)
}
