package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/flowgate/pkg/schema"
)

// adjacency is the edge set restricted to edges whose endpoints exist.
type adjacency struct {
	types map[string]schema.StepType
	order []string
	out   map[string][]schema.Edge
	in    map[string][]schema.Edge
}

func buildAdjacency(steps []schema.Step, edges []schema.Edge) *adjacency {
	adj := &adjacency{
		types: make(map[string]schema.StepType, len(steps)),
		out:   make(map[string][]schema.Edge, len(steps)),
		in:    make(map[string][]schema.Edge, len(steps)),
	}
	for _, s := range steps {
		if _, dup := adj.types[s.ID]; dup {
			continue
		}
		adj.types[s.ID] = s.Type
		adj.order = append(adj.order, s.ID)
	}
	for _, e := range edges {
		if _, ok := adj.types[e.Source]; !ok {
			continue
		}
		if _, ok := adj.types[e.Target]; !ok {
			continue
		}
		adj.out[e.Source] = append(adj.out[e.Source], e)
		adj.in[e.Target] = append(adj.in[e.Target], e)
	}
	return adj
}

// validateGraph enforces the graph rules: a single trigger entry, incoming
// edges on every other step, per-type fan-out, terminal outputs, no
// duplicate edges and no cycles. Unreachable steps produce warnings.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	adj := buildAdjacency(def.Steps, def.Edges)

	var triggers []string
	for _, id := range adj.order {
		if adj.types[id] == schema.StepTypeTrigger {
			triggers = append(triggers, id)
		}
	}
	if len(triggers) != 1 {
		result.AddError("steps", schema.ErrCodeValidation,
			fmt.Sprintf("workflow must have exactly one trigger step, found %d", len(triggers)))
	}

	for i := range def.Edges {
		for j := 0; j < i; j++ {
			if def.Edges[i].SameConnection(def.Edges[j]) {
				result.AddError(edgePath(i, def.Edges[i]), schema.ErrCodeValidation,
					fmt.Sprintf("duplicate edge %s -> %s", def.Edges[i].Source, def.Edges[i].Target))
				break
			}
		}
	}

	for _, id := range adj.order {
		typ := adj.types[id]
		path := stepPath(id)

		if typ == schema.StepTypeTrigger {
			if len(adj.in[id]) > 0 {
				result.AddError(path, schema.ErrCodeValidation, "trigger step must not have incoming edges")
			}
		} else if len(adj.in[id]) == 0 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("%s step %q has no incoming edge", typ, id))
		}

		if msg := fanOutIssue(typ, adj.out[id]); msg != "" {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("%s step %q %s", typ, id, msg))
		}
	}

	for _, cycle := range findCycles(adj) {
		result.AddError("edges", schema.ErrCodeCycleDetected,
			"cycle detected: "+strings.Join(cycle, " -> "))
	}

	if len(triggers) == 1 {
		reached := reachable(adj, triggers[0])
		for _, id := range adj.order {
			if !reached[id] {
				result.AddWarning(stepPath(id), schema.ErrCodeValidation,
					fmt.Sprintf("step %q is not reachable from the trigger", id))
			}
		}
	}

	return result
}

// fanOutIssue describes why a step's outgoing edges are invalid for its type,
// or returns "" when they are valid.
func fanOutIssue(typ schema.StepType, out []schema.Edge) string {
	switch typ {
	case schema.StepTypeCondition:
		if len(out) != 2 {
			return fmt.Sprintf("must have exactly two outgoing edges (true and false), found %d", len(out))
		}
		handles := map[string]bool{out[0].SourceHandle: true, out[1].SourceHandle: true}
		if !handles[schema.HandleTrue] || !handles[schema.HandleFalse] {
			return "must have one outgoing edge per branch handle (true, false)"
		}
	case schema.StepTypeOutput:
		if len(out) > 0 {
			return "is terminal and must not have outgoing edges"
		}
	case schema.StepTypeApproval:
		seen := make(map[string]bool, len(out))
		for _, e := range out {
			outcome, ok := approvalOutcome(e.SourceHandle)
			if !ok {
				return fmt.Sprintf("has an edge with unknown handle %q (use approved, rejected or timeout)", e.SourceHandle)
			}
			if seen[outcome] {
				return fmt.Sprintf("has more than one %s edge", outcome)
			}
			seen[outcome] = true
		}
	default:
		if len(out) > 1 {
			return fmt.Sprintf("may have at most one outgoing edge, found %d", len(out))
		}
	}
	return ""
}

// approvalOutcome maps an approval edge handle to its outcome. An unlabelled
// edge is the approved path.
func approvalOutcome(handle string) (string, bool) {
	switch handle {
	case "", schema.HandleApproved:
		return schema.HandleApproved, true
	case schema.HandleRejected, schema.HandleTimeout:
		return handle, true
	}
	return "", false
}

// findCycles runs a DFS with an explicit recursion stack and returns the
// step IDs of every cycle closed by a back edge, first step repeated last.
func findCycles(adj *adjacency) [][]string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(adj.order))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, e := range adj.out[id] {
			switch color[e.Target] {
			case white:
				visit(e.Target)
			case gray:
				start := len(stack) - 1
				for stack[start] != e.Target {
					start--
				}
				cycle := append([]string{}, stack[start:]...)
				cycles = append(cycles, append(cycle, e.Target))
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range adj.order {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

func reachable(adj *adjacency, start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range adj.out[id] {
			if !seen[e.Target] {
				seen[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return seen
}
