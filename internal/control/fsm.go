package control

import (
	"github.com/rendis/gantry/pkg/schema"
)

// ActionTransitions defines, per control action, the states the action is
// legal from and the state it lands in. Any (state, action) pair not covered
// here fails with INVALID_TRANSITION and mutates nothing.
var ActionTransitions = map[schema.Action]struct {
	From []schema.ExecutionState
	To   schema.ExecutionState
}{
	schema.ActionPause: {
		From: []schema.ExecutionState{schema.StateRunning, schema.StateWaiting},
		To:   schema.StatePaused,
	},
	schema.ActionResume: {
		From: []schema.ExecutionState{schema.StatePaused, schema.StatePartial},
		To:   schema.StateRunning,
	},
	schema.ActionStop: {
		// Passes through stopping; confirmation is synchronous with the
		// dispatch call, so the context lands in stopped.
		From: []schema.ExecutionState{schema.StateRunning, schema.StatePaused, schema.StateWaiting},
		To:   schema.StateStopped,
	},
	schema.ActionCancel: {
		From: []schema.ExecutionState{schema.StatePending, schema.StateRunning, schema.StatePaused, schema.StateWaiting, schema.StateRetrying},
		To:   schema.StateCancelled,
	},
	schema.ActionRetry: {
		// Cancelled executions are retryable unless the cancel was forced;
		// validateRetrySource enforces that refinement.
		From: []schema.ExecutionState{schema.StateFailed, schema.StateTimeout, schema.StateCancelled},
		To:   schema.StateRetrying,
	},
	schema.ActionRetryFromNode: {
		From: []schema.ExecutionState{schema.StateFailed, schema.StateTimeout},
		To:   schema.StateRetrying,
	},
	schema.ActionSkipNode: {
		// State is unchanged; the history entry records the skip.
		From: []schema.ExecutionState{schema.StateRunning, schema.StatePaused},
		To:   schema.StateRunning,
	},
	schema.ActionExecutePartial: {
		From: []schema.ExecutionState{schema.StateRunning, schema.StatePaused, schema.StatePending},
		To:   schema.StatePartial,
	},
}

// InternalTransitions are moves the core makes on its own (never requested by
// a caller): the retry dispatcher promoting a due retry, or failing one the
// source rejected, and the stop passage.
var InternalTransitions = map[schema.ExecutionState][]schema.ExecutionState{
	schema.StateRetrying: {schema.StateRunning, schema.StateFailed},
	schema.StateStopping: {schema.StateStopped},
}

// ValidateTransition checks whether action is legal from the given state.
// Returns the resulting state, or an INVALID_TRANSITION error carrying the
// current state and the requested action.
func ValidateTransition(state schema.ExecutionState, action schema.Action) (schema.ExecutionState, error) {
	row, ok := ActionTransitions[action]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown control action %q", action)
	}
	for _, from := range row.From {
		if from == state {
			return resultingState(state, action, row.To), nil
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"action %s is not legal from state %s", action, state).
		WithDetails(map[string]any{
			"current_state":     string(state),
			"requested_action":  string(action),
			"available_actions": actionNames(AvailableActions(state)),
		})
}

// resultingState resolves the post-transition state. skip-node leaves the
// execution in its current state.
func resultingState(state schema.ExecutionState, action schema.Action, to schema.ExecutionState) schema.ExecutionState {
	if action == schema.ActionSkipNode {
		return state
	}
	return to
}

// ValidateInternalTransition checks a core-initiated move.
func ValidateInternalTransition(from, to schema.ExecutionState) error {
	for _, allowed := range InternalTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"internal transition %s -> %s is not allowed", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// AvailableActions returns the set of actions whose transition row lists the
// given state as legal, in declaration order. This is what monitoring
// responses expose so callers know what is currently possible.
func AvailableActions(state schema.ExecutionState) []schema.Action {
	var actions []schema.Action
	for _, action := range schema.AllActions {
		row := ActionTransitions[action]
		for _, from := range row.From {
			if from == state {
				actions = append(actions, action)
				break
			}
		}
	}
	return actions
}

func actionNames(actions []schema.Action) []string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	return names
}
