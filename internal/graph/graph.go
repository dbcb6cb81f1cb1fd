package graph

import (
	"github.com/rendis/flowgate/pkg/schema"
)

// Graph is the in-memory execution graph of a workflow: decoded nodes plus
// adjacency lists keyed by step ID. Built once per execution, never mutated.
type Graph struct {
	order []string
	nodes map[string]Node
	edges []schema.Edge
	out   map[string][]schema.Edge
	in    map[string][]schema.Edge
	entry string
}

// StepsToGraph builds the execution graph from persisted steps and edges.
// Step and edge order is preserved. Any step whose config does not decode,
// duplicate step IDs, and edges that reference unknown steps are errors.
func StepsToGraph(steps []schema.Step, edges []schema.Edge) (*Graph, error) {
	g := &Graph{
		order: make([]string, 0, len(steps)),
		nodes: make(map[string]Node, len(steps)),
		edges: make([]schema.Edge, 0, len(edges)),
		out:   make(map[string][]schema.Edge, len(steps)),
		in:    make(map[string][]schema.Edge, len(steps)),
	}

	for i, step := range steps {
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if _, exists := g.nodes[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID).WithStep(step.ID)
		}
		n, err := DecodeNode(step)
		if err != nil {
			return nil, err
		}
		g.nodes[step.ID] = n
		g.order = append(g.order, step.ID)
		if step.Type == schema.StepTypeTrigger && g.entry == "" {
			g.entry = step.ID
		}
	}

	for _, e := range edges {
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s references unknown source step %s", e.ID, e.Source)
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s references unknown target step %s", e.ID, e.Target)
		}
		g.edges = append(g.edges, e)
		g.out[e.Source] = append(g.out[e.Source], e)
		g.in[e.Target] = append(g.in[e.Target], e)
	}

	return g, nil
}

// FromDefinition builds the execution graph of a workflow definition.
func FromDefinition(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	return StepsToGraph(def.Steps, def.Edges)
}

// GraphToSteps converts the graph back to persisted steps and edges in
// their original order.
func GraphToSteps(g *Graph) ([]schema.Step, []schema.Edge) {
	steps := make([]schema.Step, 0, len(g.order))
	for _, id := range g.order {
		steps = append(steps, g.nodes[id].Step())
	}
	edges := make([]schema.Edge, len(g.edges))
	copy(edges, g.edges)
	return steps, edges
}

// Entry returns the ID of the trigger step, or "" if there is none.
func (g *Graph) Entry() string { return g.entry }

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in their original order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Outgoing returns the edges leaving a step.
func (g *Graph) Outgoing(id string) []schema.Edge { return g.out[id] }

// Incoming returns the edges entering a step.
func (g *Graph) Incoming(id string) []schema.Edge { return g.in[id] }

// Next returns the target of the edge leaving id through handle. An empty
// handle matches an unlabelled edge.
func (g *Graph) Next(id, handle string) (string, bool) {
	for _, e := range g.out[id] {
		if e.SourceHandle == handle {
			return e.Target, true
		}
	}
	return "", false
}

// Successors returns the distinct targets of id's outgoing edges.
func (g *Graph) Successors(id string) []string {
	seen := make(map[string]bool, len(g.out[id]))
	var out []string
	for _, e := range g.out[id] {
		if !seen[e.Target] {
			seen[e.Target] = true
			out = append(out, e.Target)
		}
	}
	return out
}

// Reachable returns every step reachable from start, start included.
func (g *Graph) Reachable(start string) map[string]bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.Successors(id) {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return seen
}

// SkippedBranch returns, in original step order, the steps reachable from
// the untaken target that the taken target cannot reach.
func (g *Graph) SkippedBranch(taken, untaken string) []string {
	if untaken == "" {
		return nil
	}
	live := map[string]bool{}
	if taken != "" {
		live = g.Reachable(taken)
	}
	dead := g.Reachable(untaken)
	var out []string
	for _, id := range g.order {
		if dead[id] && !live[id] {
			out = append(out, id)
		}
	}
	return out
}
