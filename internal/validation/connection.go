package validation

import (
	"fmt"

	"github.com/rendis/flowgate/pkg/schema"
)

// ValidateConnection reports whether candidate can be added to existing
// without breaking the graph rules. It is the interactive counterpart of
// ValidateWorkflow, applied one edge at a time while a graph is edited.
func ValidateConnection(candidate schema.Edge, existing []schema.Edge, steps []schema.Step) bool {
	return CheckConnection(candidate, existing, steps) == nil
}

// CheckConnection is ValidateConnection with the reason for a rejection.
func CheckConnection(candidate schema.Edge, existing []schema.Edge, steps []schema.Step) error {
	types := make(map[string]schema.StepType, len(steps))
	for _, s := range steps {
		types[s.ID] = s.Type
	}

	srcType, ok := types[candidate.Source]
	if !ok {
		return connErr("source step %q does not exist", candidate.Source)
	}
	dstType, ok := types[candidate.Target]
	if !ok {
		return connErr("target step %q does not exist", candidate.Target)
	}
	if candidate.Source == candidate.Target {
		return connErr("step %q cannot connect to itself", candidate.Source)
	}
	if dstType == schema.StepTypeTrigger {
		return connErr("trigger step %q cannot have incoming edges", candidate.Target)
	}

	var out []schema.Edge
	for _, e := range existing {
		if e.SameConnection(candidate) {
			return connErr("edge %s -> %s already exists", candidate.Source, candidate.Target)
		}
		if e.Source == candidate.Source {
			out = append(out, e)
		}
	}

	switch srcType {
	case schema.StepTypeOutput:
		return connErr("output step %q is terminal", candidate.Source)
	case schema.StepTypeCondition:
		if candidate.SourceHandle != schema.HandleTrue && candidate.SourceHandle != schema.HandleFalse {
			return connErr("condition edges need a true or false handle, got %q", candidate.SourceHandle)
		}
		for _, e := range out {
			if e.SourceHandle == candidate.SourceHandle {
				return connErr("condition step %q already has a %s branch", candidate.Source, candidate.SourceHandle)
			}
		}
	case schema.StepTypeApproval:
		outcome, ok := approvalOutcome(candidate.SourceHandle)
		if !ok {
			return connErr("approval edges need an approved, rejected or timeout handle, got %q", candidate.SourceHandle)
		}
		for _, e := range out {
			if o, _ := approvalOutcome(e.SourceHandle); o == outcome {
				return connErr("approval step %q already has a %s edge", candidate.Source, outcome)
			}
		}
	default:
		if len(out) > 0 {
			return connErr("%s step %q already has an outgoing edge", srcType, candidate.Source)
		}
	}

	adj := buildAdjacency(steps, existing)
	if reachable(adj, candidate.Target)[candidate.Source] {
		return schema.NewErrorf(schema.ErrCodeCycleDetected,
			"edge %s -> %s would create a cycle", candidate.Source, candidate.Target)
	}
	return nil
}

func connErr(format string, args ...any) error {
	return schema.NewError(schema.ErrCodeValidation, fmt.Sprintf(format, args...))
}
