package diagram

import "github.com/rendis/flowgate/pkg/schema"

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindSearch    NodeKind = "search"
	NodeKindAction    NodeKind = "action"
	NodeKindCondition NodeKind = "condition"
	NodeKindTransform NodeKind = "transform"
	NodeKindOutput    NodeKind = "output"
	NodeKindApproval  NodeKind = "approval"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // step IDs grouped by distance from the trigger
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the recorded outcome of a step in one execution.
type StatusOverlay struct {
	Status     schema.StepStatus
	DurationMs int64
	Error      string
}

// Edge is a directed connection between two nodes. Label is the
// source handle, if any.
type Edge struct {
	From  string
	To    string
	Label string
}
