package editor

import (
	"github.com/rendis/flowgate/pkg/schema"
)

// DefaultHistoryLimit bounds the undo stack when NewHistory gets no limit.
const DefaultHistoryLimit = 100

// History applies commands to a graph and records them for undo and redo.
// It is not safe for concurrent use; an editor session owns one History.
type History struct {
	graph *Graph
	undo  []Command
	redo  []Command
	limit int
}

// NewHistory starts an empty history over g. limit <= 0 selects
// DefaultHistoryLimit.
func NewHistory(g *Graph, limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{graph: g, limit: limit}
}

// Graph returns the graph being edited.
func (h *History) Graph() *Graph { return h.graph }

// Do applies cmd. On success it becomes the newest undo entry and the
// redo stack is cleared. A failed command leaves the graph untouched.
func (h *History) Do(cmd Command) error {
	if err := cmd.Apply(h.graph); err != nil {
		return err
	}
	h.undo = append(h.undo, cmd)
	if len(h.undo) > h.limit {
		h.undo = h.undo[len(h.undo)-h.limit:]
	}
	h.redo = h.redo[:0]
	return nil
}

// Undo reverts the newest command. It returns the command's label.
func (h *History) Undo() (string, error) {
	if len(h.undo) == 0 {
		return "", schema.NewError(schema.ErrCodeInvalidTransition, "nothing to undo")
	}
	cmd := h.undo[len(h.undo)-1]
	if err := cmd.Revert(h.graph); err != nil {
		return "", err
	}
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = append(h.redo, cmd)
	return cmd.Label(), nil
}

// Redo re-applies the most recently undone command.
func (h *History) Redo() (string, error) {
	if len(h.redo) == 0 {
		return "", schema.NewError(schema.ErrCodeInvalidTransition, "nothing to redo")
	}
	cmd := h.redo[len(h.redo)-1]
	if err := cmd.Apply(h.graph); err != nil {
		return "", err
	}
	h.redo = h.redo[:len(h.redo)-1]
	h.undo = append(h.undo, cmd)
	return cmd.Label(), nil
}

func (h *History) CanUndo() bool { return len(h.undo) > 0 }
func (h *History) CanRedo() bool { return len(h.redo) > 0 }
