package diagram

import (
	"fmt"

	"github.com/rendis/flowgate/internal/graph"
	"github.com/rendis/flowgate/pkg/schema"
)

// Build constructs a DiagramModel from a workflow definition and, optionally,
// the step results of one of its executions. When a step was recorded more
// than once the latest result wins.
func Build(def *schema.WorkflowDefinition, results []*schema.StepResult) (*DiagramModel, error) {
	g, err := graph.FromDefinition(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	latest := make(map[string]*schema.StepResult, len(results))
	for _, r := range results {
		if prev, ok := latest[r.StepID]; !ok || r.Seq >= prev.Seq {
			latest[r.StepID] = r
		}
	}

	nodes := make([]*Node, 0, len(def.Steps))
	for _, n := range g.Nodes() {
		step := n.Step()
		node := &Node{ID: step.ID, Label: nodeLabel(step), Kind: NodeKind(step.Type)}
		if r, ok := latest[step.ID]; ok {
			node.Status = overlay(r)
		}
		nodes = append(nodes, node)
	}

	edges := make([]Edge, 0, len(def.Edges))
	for _, e := range def.Edges {
		label := e.SourceHandle
		if label == "" {
			label = e.Label
		}
		edges = append(edges, Edge{From: e.Source, To: e.Target, Label: label})
	}

	levels, err := buildLevels(g)
	if err != nil {
		return nil, err
	}

	title := def.Name
	if title == "" {
		title = def.ID
	}
	return &DiagramModel{Title: title, Nodes: nodes, Edges: edges, Levels: levels}, nil
}

func nodeLabel(step schema.Step) string {
	if step.Label != "" && step.Label != step.ID {
		return fmt.Sprintf("%s\n(%s)", step.Label, step.Type)
	}
	return fmt.Sprintf("%s\n(%s)", step.ID, step.Type)
}

func overlay(r *schema.StepResult) *StatusOverlay {
	s := &StatusOverlay{Status: r.Status}
	if !r.CompletedAt.IsZero() && !r.StartedAt.IsZero() {
		s.DurationMs = r.CompletedAt.Sub(r.StartedAt).Milliseconds()
	}
	if r.Error != nil {
		s.Error = r.Error.Message
	}
	return s
}

// buildLevels layers the graph by longest path from the roots using
// Kahn's algorithm. Steps left over sit on a cycle.
func buildLevels(g *graph.Graph) ([][]string, error) {
	nodes := g.Nodes()
	indegree := make(map[string]int, len(nodes))
	level := make(map[string]int, len(nodes))
	var queue []string
	for _, n := range nodes {
		indegree[n.ID()] = len(g.Incoming(n.ID()))
		if indegree[n.ID()] == 0 {
			queue = append(queue, n.ID())
		}
	}

	visited, depth := 0, 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, e := range g.Outgoing(id) {
			if level[id]+1 > level[e.Target] {
				level[e.Target] = level[id] + 1
			}
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
		if level[id] > depth {
			depth = level[id]
		}
	}
	if visited != len(nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "diagram: workflow graph contains a cycle")
	}

	if len(nodes) == 0 {
		return nil, nil
	}
	levels := make([][]string, depth+1)
	for _, n := range nodes {
		levels[level[n.ID()]] = append(levels[level[n.ID()]], n.ID())
	}
	return levels, nil
}
