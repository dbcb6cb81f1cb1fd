package editor

import (
	"encoding/json"
	"slices"

	"github.com/rendis/flowgate/internal/validation"
	"github.com/rendis/flowgate/pkg/schema"
)

// Command is one reversible graph edit. Revert is only called on a graph
// in the state Apply left it in.
type Command interface {
	Apply(g *Graph) error
	Revert(g *Graph) error
	Label() string
}

type indexedEdge struct {
	at   int
	edge schema.Edge
}

// AddStep inserts a new step.
type AddStep struct {
	Step schema.Step
}

func (c *AddStep) Label() string { return "add step " + c.Step.ID }

func (c *AddStep) Apply(g *Graph) error {
	if c.Step.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "step id is required")
	}
	if !c.Step.Type.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", c.Step.Type)
	}
	if _, ok := g.Step(c.Step.ID); ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "step %q already exists", c.Step.ID)
	}
	if c.Step.Type == schema.StepTypeTrigger {
		for _, s := range g.Steps {
			if s.Type == schema.StepTypeTrigger {
				return schema.NewErrorf(schema.ErrCodeValidation, "workflow already has trigger step %q", s.ID)
			}
		}
	}
	g.Steps = append(g.Steps, c.Step)
	return nil
}

func (c *AddStep) Revert(g *Graph) error {
	return removeStepAt(g, c.Step.ID)
}

func removeStepAt(g *Graph, id string) error {
	i := g.stepIndex(id)
	if i < 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", id)
	}
	g.Steps = slices.Delete(g.Steps, i, i+1)
	return nil
}

// RemoveStep deletes a step together with every edge touching it.
type RemoveStep struct {
	StepID string

	removed schema.Step
	at      int
	edges   []indexedEdge
}

func (c *RemoveStep) Label() string { return "remove step " + c.StepID }

func (c *RemoveStep) Apply(g *Graph) error {
	i := g.stepIndex(c.StepID)
	if i < 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", c.StepID)
	}
	c.removed, c.at = g.Steps[i], i
	c.edges = c.edges[:0]

	kept := g.Edges[:0:0]
	for at, e := range g.Edges {
		if e.Source == c.StepID || e.Target == c.StepID {
			c.edges = append(c.edges, indexedEdge{at: at, edge: e})
			continue
		}
		kept = append(kept, e)
	}
	g.Edges = kept
	g.Steps = slices.Delete(g.Steps, i, i+1)
	return nil
}

func (c *RemoveStep) Revert(g *Graph) error {
	g.Steps = slices.Insert(g.Steps, min(c.at, len(g.Steps)), c.removed)
	// Original indexes ascend, so each insert lands where it was.
	for _, ie := range c.edges {
		g.Edges = slices.Insert(g.Edges, min(ie.at, len(g.Edges)), ie.edge)
	}
	return nil
}

// MoveStep changes a step's canvas position.
type MoveStep struct {
	StepID string
	To     schema.Position

	from schema.Position
}

func (c *MoveStep) Label() string { return "move step " + c.StepID }

func (c *MoveStep) Apply(g *Graph) error {
	i := g.stepIndex(c.StepID)
	if i < 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", c.StepID)
	}
	c.from = g.Steps[i].Position
	g.Steps[i].Position = c.To
	return nil
}

func (c *MoveStep) Revert(g *Graph) error {
	i := g.stepIndex(c.StepID)
	if i < 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", c.StepID)
	}
	g.Steps[i].Position = c.from
	return nil
}

// UpdateStep replaces a step's label and config. The step type and id
// cannot change.
type UpdateStep struct {
	StepID   string
	NewLabel string
	Config   json.RawMessage

	prev schema.Step
}

func (c *UpdateStep) Label() string { return "update step " + c.StepID }

func (c *UpdateStep) Apply(g *Graph) error {
	i := g.stepIndex(c.StepID)
	if i < 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", c.StepID)
	}
	if len(c.Config) > 0 && !json.Valid(c.Config) {
		return schema.NewErrorf(schema.ErrCodeValidation, "config of step %q is not valid JSON", c.StepID)
	}
	c.prev = g.Steps[i]
	g.Steps[i].Label = c.NewLabel
	g.Steps[i].Config = slices.Clone(c.Config)
	return nil
}

func (c *UpdateStep) Revert(g *Graph) error {
	i := g.stepIndex(c.StepID)
	if i < 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", c.StepID)
	}
	g.Steps[i] = c.prev
	return nil
}

// Connect adds an edge after checking it against the fan-out, duplicate
// and cycle rules.
type Connect struct {
	Edge schema.Edge
}

func (c *Connect) Label() string { return "connect " + c.Edge.Source + " -> " + c.Edge.Target }

func (c *Connect) Apply(g *Graph) error {
	if c.Edge.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "edge id is required")
	}
	if _, ok := g.Edge(c.Edge.ID); ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "edge %q already exists", c.Edge.ID)
	}
	if err := validation.CheckConnection(c.Edge, g.Edges, g.Steps); err != nil {
		return err
	}
	g.Edges = append(g.Edges, c.Edge)
	return nil
}

func (c *Connect) Revert(g *Graph) error {
	i := g.edgeIndex(c.Edge.ID)
	if i < 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "edge %q not found", c.Edge.ID)
	}
	g.Edges = slices.Delete(g.Edges, i, i+1)
	return nil
}

// Disconnect removes an edge.
type Disconnect struct {
	EdgeID string

	removed indexedEdge
}

func (c *Disconnect) Label() string { return "disconnect " + c.EdgeID }

func (c *Disconnect) Apply(g *Graph) error {
	i := g.edgeIndex(c.EdgeID)
	if i < 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "edge %q not found", c.EdgeID)
	}
	c.removed = indexedEdge{at: i, edge: g.Edges[i]}
	g.Edges = slices.Delete(g.Edges, i, i+1)
	return nil
}

func (c *Disconnect) Revert(g *Graph) error {
	g.Edges = slices.Insert(g.Edges, min(c.removed.at, len(g.Edges)), c.removed.edge)
	return nil
}
