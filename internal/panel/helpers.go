package panel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rendis/gantry/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeControlError maps an error to its HTTP status. ControlErrors keep
// their structure on the wire; anything else becomes an opaque 500.
func writeControlError(w http.ResponseWriter, s *Server, err error) {
	var cerr *schema.ControlError
	if errors.As(err, &cerr) {
		writeJSON(w, httpStatusFor(cerr.Code), map[string]any{"error": cerr})
		return
	}
	s.deps.Logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// writeControlResponse writes the enriched response body with a status
// derived from the embedded control outcome.
func writeControlResponse(w http.ResponseWriter, resp *schema.ControlResponse, body any) {
	status := http.StatusOK
	if !resp.Success && resp.Error != nil {
		status = httpStatusFor(resp.Error.Code)
	}
	writeJSON(w, status, body)
}

// httpStatusFor maps a control error code to an HTTP status.
func httpStatusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeInvalidTargetNode,
		schema.ErrCodeBatchSize, schema.ErrCodeFilter:
		return http.StatusBadRequest
	case schema.ErrCodeInvalidTransition, schema.ErrCodeRetryLimit:
		return http.StatusConflict
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrCodeCollaborator, schema.ErrCodeSourceUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryBool extracts a boolean query param with a default value.
func queryBool(r *http.Request, key string, def bool) bool {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
