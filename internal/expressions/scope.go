package expressions

import (
	"encoding/json"
	"sync"

	"github.com/rendis/flowgate/pkg/schema"
)

// Scope is the read-only data a step sees while it executes.
type Scope struct {
	Steps   map[string]any // step ID -> output
	Trigger any            // trigger payload
	Result  any            // output of the step that enabled the current one
}

// Vars returns the scope as the variable map handed to expression engines.
func (s *Scope) Vars() map[string]any {
	steps := s.Steps
	if steps == nil {
		steps = map[string]any{}
	}
	return map[string]any{
		"steps":   steps,
		"trigger": s.Trigger,
		"result":  s.Result,
	}
}

// ScopeBuilder accumulates an execution's context. Step outputs are
// normalized to plain JSON values and frozen on insert; a step ID can be
// registered once.
type ScopeBuilder struct {
	mu      sync.RWMutex
	steps   map[string]any
	trigger any
}

// NewScopeBuilder creates a ScopeBuilder for a trigger payload and an
// optional context snapshot restored from storage.
func NewScopeBuilder(trigger any, snapshot map[string]any) *ScopeBuilder {
	steps := deepCopyMap(snapshot)
	if steps == nil {
		steps = make(map[string]any)
	}
	return &ScopeBuilder{steps: steps, trigger: deepCopyAny(trigger)}
}

// AddStepOutput registers a step's output. The value is normalized through
// JSON so engines see the same shapes whether the value was produced in
// process or restored from storage.
func (sb *ScopeBuilder) AddStepOutput(stepID string, output any) error {
	normalized, err := Normalize(output)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot store output of step %q: %s", stepID, err.Error()).WithStep(stepID).WithCause(err)
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.steps[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q output already registered", stepID).WithStep(stepID)
	}
	sb.steps[stepID] = normalized
	return nil
}

// Build returns a snapshot scope whose Result is the output of previous.
func (sb *ScopeBuilder) Build(previous string) *Scope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	steps := deepCopyMap(sb.steps)
	return &Scope{
		Steps:   steps,
		Trigger: deepCopyAny(sb.trigger),
		Result:  steps[previous],
	}
}

// StepOutputs returns a copy of the current step outputs.
func (sb *ScopeBuilder) StepOutputs() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return deepCopyMap(sb.steps)
}

// Normalize converts an arbitrary Go value into its plain JSON form
// (maps, slices, float64, string, bool, nil).
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively copies maps and slices. Primitives are value types.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
