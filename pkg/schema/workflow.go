package schema

import (
	"encoding/json"
	"time"
)

// TriggerType enumerates how executions of a workflow are started.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerWebhook   TriggerType = "webhook"
	TriggerScheduled TriggerType = "scheduled"
)

// WorkflowDefinition is the persisted graph of steps and edges describing an automation.
// The engine only reads a definition; it never mutates one.
type WorkflowDefinition struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	IsActive      bool          `json:"isActive"`
	TriggerType   TriggerType   `json:"triggerType"`
	TriggerConfig TriggerConfig `json:"triggerConfig"`
	Steps         []Step        `json:"steps"`
	Edges         []Edge        `json:"edges"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// TriggerConfig configures webhook and scheduled triggers.
type TriggerConfig struct {
	Cron     string `json:"cron,omitempty"`     // five-field cron expression
	Interval string `json:"interval,omitempty"` // Go duration, e.g. "30m"
	Async    bool   `json:"async,omitempty"`    // webhook: respond before the run finishes
}

// StepType enumerates the kinds of steps in a workflow graph.
type StepType string

const (
	StepTypeTrigger   StepType = "trigger"
	StepTypeSearch    StepType = "search"
	StepTypeAction    StepType = "action"
	StepTypeCondition StepType = "condition"
	StepTypeTransform StepType = "transform"
	StepTypeOutput    StepType = "output"
	StepTypeApproval  StepType = "approval"
)

// StepTypes lists every known step type.
var StepTypes = []StepType{
	StepTypeTrigger, StepTypeSearch, StepTypeAction, StepTypeCondition,
	StepTypeTransform, StepTypeOutput, StepTypeApproval,
}

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Position is the step's canvas coordinate. It has no execution meaning.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Step is a typed node in the workflow graph.
type Step struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflowId,omitempty"`
	Type       StepType        `json:"type"`
	Label      string          `json:"label,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
	Position   Position        `json:"position"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// Branch and outcome handles carried on edges.
const (
	HandleTrue     = "true"
	HandleFalse    = "false"
	HandleApproved = "approved"
	HandleRejected = "rejected"
	HandleTimeout  = "timeout"
)

// Edge is a directed connection between two steps.
type Edge struct {
	ID           string `json:"id"`
	WorkflowID   string `json:"workflowId,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Label        string `json:"label,omitempty"`
	Animated     bool   `json:"animated,omitempty"`
}

// SameConnection reports whether two edges connect the same handles of the same steps.
func (e Edge) SameConnection(o Edge) bool {
	return e.Source == o.Source && e.Target == o.Target &&
		e.SourceHandle == o.SourceHandle && e.TargetHandle == o.TargetHandle
}

// SearchConfig is the config block for search steps.
type SearchConfig struct {
	Query     string `json:"query"`
	Limit     int    `json:"limit,omitempty"`
	UseLLM    bool   `json:"useLLM,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

// Action kinds.
const (
	ActionKindHTTP = "http"
	ActionKindLLM  = "llm"
)

// ActionConfig is the config block for action steps.
type ActionConfig struct {
	Kind            string            `json:"kind,omitempty"` // http (default) | llm
	Method          string            `json:"method,omitempty"`
	URL             string            `json:"url,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            json.RawMessage   `json:"body,omitempty"`
	Prompt          string            `json:"prompt,omitempty"`
	MaxTokens       int               `json:"maxTokens,omitempty"`
	ContinueOnError bool              `json:"continueOnError,omitempty"`
}

// Expression languages.
const (
	LanguageCEL  = "cel"
	LanguageExpr = "expr"
)

// ConditionConfig is the config block for condition steps.
type ConditionConfig struct {
	Expression string `json:"expression"`
	Language   string `json:"language,omitempty"` // cel (default) | expr
}

// Transform modes.
const (
	TransformTemplate = "template"
	TransformJQ       = "jq"
	TransformExpr     = "expr"
)

// TransformConfig is the config block for transform steps.
type TransformConfig struct {
	Mode       string          `json:"mode,omitempty"` // template (default) | jq | expr
	Template   json.RawMessage `json:"template,omitempty"`
	Expression string          `json:"expression,omitempty"`
}

// OutputConfig is the config block for output steps.
type OutputConfig struct {
	Value json.RawMessage `json:"value,omitempty"`
}

// DefaultApprovalTimeout applies when an approval step sets no timeout.
const DefaultApprovalTimeout = 24 * time.Hour

// ApprovalConfig is the config block for approval steps.
type ApprovalConfig struct {
	Message   string   `json:"message,omitempty"`
	Timeout   string   `json:"timeout,omitempty"`
	Approvers []string `json:"approvers,omitempty"`
}
