// Package editor keeps an undoable edit history over workflow graphs.
// It works on Step and Edge values only and is never consulted while a
// workflow executes.
package editor

import (
	"slices"

	"github.com/rendis/flowgate/pkg/schema"
)

// Graph is the editable step and edge set of one workflow.
type Graph struct {
	Steps []schema.Step
	Edges []schema.Edge
}

// FromDefinition copies the graph part of def.
func FromDefinition(def *schema.WorkflowDefinition) *Graph {
	return &Graph{Steps: slices.Clone(def.Steps), Edges: slices.Clone(def.Edges)}
}

// Apply writes the graph back into def.
func (g *Graph) Apply(def *schema.WorkflowDefinition) {
	def.Steps = slices.Clone(g.Steps)
	def.Edges = slices.Clone(g.Edges)
}

func (g *Graph) stepIndex(id string) int {
	return slices.IndexFunc(g.Steps, func(s schema.Step) bool { return s.ID == id })
}

func (g *Graph) edgeIndex(id string) int {
	return slices.IndexFunc(g.Edges, func(e schema.Edge) bool { return e.ID == id })
}

// Step returns the step with the given id.
func (g *Graph) Step(id string) (schema.Step, bool) {
	if i := g.stepIndex(id); i >= 0 {
		return g.Steps[i], true
	}
	return schema.Step{}, false
}

// Edge returns the edge with the given id.
func (g *Graph) Edge(id string) (schema.Edge, bool) {
	if i := g.edgeIndex(id); i >= 0 {
		return g.Edges[i], true
	}
	return schema.Edge{}, false
}
