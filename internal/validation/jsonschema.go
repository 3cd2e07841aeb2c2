package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/gantry/pkg/schema"
)

// controlRequestSchemaJSON is the JSON Schema for untyped control request
// payloads arriving over the tool surface. Embedded as a constant to avoid
// filesystem dependencies.
const controlRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://gantry.dev/schemas/control-request.json",
  "type": "object",
  "required": ["execution_id", "action"],
  "properties": {
    "request_id": { "type": "string" },
    "execution_id": {
      "type": "string",
      "minLength": 1
    },
    "action": {
      "type": "string",
      "enum": ["pause", "resume", "stop", "cancel", "retry", "retry-from-node", "skip-node", "execute-partial"]
    },
    "requested_by": { "type": "string" },
    "params": { "$ref": "#/$defs/params" }
  },
  "additionalProperties": false,
  "$defs": {
    "params": {
      "type": "object",
      "properties": {
        "reason": {
          "type": "string",
          "enum": ["user-requested", "timeout", "resource-limit", "error-threshold", "dependency-failure", "system-shutdown", "policy-violation"]
        },
        "force": { "type": "boolean" },
        "graceful_shutdown": { "type": "boolean" },
        "strategy": {
          "type": "string",
          "enum": ["immediate", "linear", "exponential", "custom"]
        },
        "max_attempts": {
          "type": "integer",
          "minimum": 1,
          "maximum": 10
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "only_failed_nodes": { "type": "boolean" },
        "start_from_node": { "type": "string" },
        "skip_nodes": {
          "type": "array",
          "items": { "type": "string" }
        },
        "node_id": { "type": "string" },
        "target_nodes": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string" }
        },
        "execute_until_node": { "type": "string" },
        "preserve_state": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// PayloadValidator validates untyped tool payloads against JSON Schema
// Draft 2020-12. The control request schema is pre-compiled; ad hoc schemas
// are compiled on demand and cached. Safe for concurrent use.
type PayloadValidator struct {
	controlSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewPayloadValidator creates a PayloadValidator with the control request
// schema pre-compiled.
func NewPayloadValidator() (*PayloadValidator, error) {
	c := newPayloadCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(controlRequestSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal control request schema: %w", err)
	}
	if err := c.AddResource("https://gantry.dev/schemas/control-request.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add control request schema resource: %w", err)
	}

	compiled, err := c.Compile("https://gantry.dev/schemas/control-request.json")
	if err != nil {
		return nil, fmt.Errorf("compile control request schema: %w", err)
	}

	return &PayloadValidator{
		controlSchema: compiled,
		cache:         make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateControlPayload validates an untyped control request payload.
func (v *PayloadValidator) ValidateControlPayload(payload map[string]any) error {
	if payload == nil {
		return schema.NewError(schema.ErrCodeValidation, "payload is nil")
	}

	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize payload").WithCause(err)
	}

	if err := v.controlSchema.Validate(doc); err != nil {
		return toControlError(err)
	}
	return nil
}

// ValidatePayload validates a payload against a JSON Schema provided as raw
// bytes. The schema is compiled and cached for subsequent calls.
func (v *PayloadValidator) ValidatePayload(payload map[string]any, schemaBytes []byte) error {
	if payload == nil {
		return schema.NewError(schema.ErrCodeValidation, "payload is nil")
	}
	if len(schemaBytes) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}

	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize payload").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toControlError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *PayloadValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("gantry://payload-schema/%d", len(v.cache))

	// Fresh compiler per dynamic schema to avoid resource collision.
	c := newPayloadCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newPayloadCompiler creates a Compiler configured for payload validation.
func newPayloadCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toControlError converts a jsonschema.ValidationError tree into a
// ControlError via ValidationResult, one issue per leaf violation.
func toControlError(err error) error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	result := &schema.ValidationResult{}
	collectViolations(result, verr)
	if result.Valid() {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	return result.ToError()
}

// collectViolations walks a ValidationError tree and records leaf error
// messages with their instance locations.
func collectViolations(result *schema.ValidationResult, verr *jsonschema.ValidationError) {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		result.AddError(loc, "schema", verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(result, cause)
	}
}
