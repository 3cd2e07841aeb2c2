// Package identity tracks who issues control requests: humans, services,
// LLM agents, or the system itself.
package identity

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/pkg/schema"
)

// Operator type constants.
const (
	OperatorTypeHuman   = "human"
	OperatorTypeService = "service"
	OperatorTypeLLM     = "llm"
	OperatorTypeSystem  = "system"
)

var validOperatorTypes = map[string]bool{
	OperatorTypeHuman:   true,
	OperatorTypeService: true,
	OperatorTypeLLM:     true,
	OperatorTypeSystem:  true,
}

// ValidateOperatorType checks that typ is one of the valid operator types.
func ValidateOperatorType(typ string) error {
	if !validOperatorTypes[typ] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid operator type %q: must be one of human, service, llm, system", typ)
	}
	return nil
}

// ValidateOperator checks required fields on an Operator.
func ValidateOperator(op *store.Operator) error {
	if op.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "operator id is required")
	}
	if op.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "operator name is required")
	}
	return ValidateOperatorType(op.Type)
}

// EnsureRegistered retrieves an existing operator or registers a new one.
// If the operator exists, it updates last_seen_at and returns the stored
// record. If not found, it registers the operator and returns the new record.
func EnsureRegistered(ctx context.Context, s store.Store, id, name, typ string, metadata json.RawMessage) (*store.Operator, error) {
	existing, err := s.GetOperator(ctx, id)
	if err == nil {
		_ = s.UpdateOperatorSeen(ctx, id)
		return existing, nil
	}

	var ctrlErr *schema.ControlError
	if !errors.As(err, &ctrlErr) || ctrlErr.Code != schema.ErrCodeNotFound {
		return nil, err
	}

	op := &store.Operator{
		ID:       id,
		Name:     name,
		Type:     typ,
		Metadata: metadata,
	}
	if err := ValidateOperator(op); err != nil {
		return nil, err
	}
	if err := s.RegisterOperator(ctx, op); err != nil {
		return nil, err
	}
	return s.GetOperator(ctx, id)
}
