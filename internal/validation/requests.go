// Package validation checks control-plane requests before they reach the
// processor: struct-tag validation for typed requests and JSON Schema
// validation for untyped tool payloads.
package validation

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/gantry/pkg/schema"
)

// RequestValidator validates typed request structs against their validate
// tags and checks action/params consistency. Safe for concurrent use.
type RequestValidator struct {
	validate *validator.Validate
}

// NewRequestValidator creates a RequestValidator.
func NewRequestValidator() *RequestValidator {
	return &RequestValidator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Struct validates any tagged struct, converting validator errors into a
// ControlError with per-field violations.
func (rv *RequestValidator) Struct(req any) error {
	err := rv.validate.Struct(req)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	violations := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		violations = append(violations, describeFieldError(fe))
	}

	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// ControlRequest validates a control request, including that the action is
// known, the params kind matches the action, and mandatory params are
// present.
func (rv *RequestValidator) ControlRequest(req *schema.ControlRequest) error {
	if req == nil {
		return schema.NewError(schema.ErrCodeValidation, "control request is nil")
	}
	if err := rv.Struct(req); err != nil {
		return err
	}
	if _, err := schema.ParseAction(string(req.Action)); err != nil {
		return err
	}
	if req.Params != nil {
		if kind := req.Params.ActionKind(); kind != req.Action {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"params for action %q supplied with action %q", kind, req.Action)
		}
		if err := rv.Struct(req.Params); err != nil {
			return err
		}
	} else if requiresParams(req.Action) {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q requires params", req.Action)
	}
	return nil
}

// BatchRequest validates a batch request, including its shared params.
func (rv *RequestValidator) BatchRequest(req *schema.BatchRequest) error {
	if req == nil {
		return schema.NewError(schema.ErrCodeValidation, "batch request is nil")
	}
	if err := rv.Struct(req); err != nil {
		return err
	}
	if _, err := schema.ParseAction(string(req.Action)); err != nil {
		return err
	}
	if req.Params != nil {
		if kind := req.Params.ActionKind(); kind != req.Action {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"params for action %q supplied with action %q", kind, req.Action)
		}
		if err := rv.Struct(req.Params); err != nil {
			return err
		}
	} else if requiresParams(req.Action) {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q requires params", req.Action)
	}
	return nil
}

// MonitorRequest validates a monitor query.
func (rv *RequestValidator) MonitorRequest(req *schema.MonitorRequest) error {
	if req == nil {
		return schema.NewError(schema.ErrCodeValidation, "monitor request is nil")
	}
	if err := rv.Struct(req); err != nil {
		return err
	}
	for _, state := range req.States {
		if _, err := schema.ParseExecutionState(string(state)); err != nil {
			return err
		}
	}
	return nil
}

// AnalyticsRequest validates an analytics query.
func (rv *RequestValidator) AnalyticsRequest(req *schema.AnalyticsRequest) error {
	if req == nil {
		return schema.NewError(schema.ErrCodeValidation, "analytics request is nil")
	}
	return rv.Struct(req)
}

// requiresParams lists actions whose params carry mandatory fields.
func requiresParams(action schema.Action) bool {
	switch action {
	case schema.ActionCancel, schema.ActionSkipNode, schema.ActionRetryFromNode, schema.ActionExecutePartial:
		return true
	default:
		return false
	}
}

// describeFieldError renders one field violation in a compact, actionable form.
func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: required field is missing", fe.Namespace())
	case "min":
		return fmt.Sprintf("%s: must be at least %s", fe.Namespace(), fe.Param())
	case "max":
		return fmt.Sprintf("%s: must be at most %s", fe.Namespace(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s]", fe.Namespace(), fe.Param())
	default:
		return fmt.Sprintf("%s: failed %q validation", fe.Namespace(), fe.Tag())
	}
}
