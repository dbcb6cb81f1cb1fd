package graph

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/flowgate/pkg/schema"
)

// DefaultSearchLimit applies when a search step sets no limit.
const DefaultSearchLimit = 5

// Node is a step decoded into its typed variant. The set of variants is
// closed: only this package can implement Node.
type Node interface {
	Step() schema.Step
	ID() string
	Type() schema.StepType
	node()
}

type base struct {
	step schema.Step
}

func (b base) Step() schema.Step     { return b.step }
func (b base) ID() string            { return b.step.ID }
func (b base) Type() schema.StepType { return b.step.Type }
func (base) node()                   {}

// TriggerNode is the entry step. It passes the trigger payload through.
type TriggerNode struct{ base }

// SearchNode queries the search service.
type SearchNode struct {
	base
	Config schema.SearchConfig
}

// ActionNode performs an external side effect.
type ActionNode struct {
	base
	Config schema.ActionConfig
}

// ConditionNode selects the true or false branch.
type ConditionNode struct {
	base
	Config schema.ConditionConfig
}

// TransformNode maps context values without side effects.
type TransformNode struct {
	base
	Config schema.TransformConfig
}

// OutputNode formats the execution's result.
type OutputNode struct {
	base
	Config schema.OutputConfig
}

// ApprovalNode suspends the execution until a human responds.
type ApprovalNode struct {
	base
	Config  schema.ApprovalConfig
	Timeout time.Duration
}

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
}

// DecodeNode decodes a step's configuration into its typed variant,
// applying defaults. Malformed configuration is an error, never a default.
func DecodeNode(step schema.Step) (Node, error) {
	b := base{step: step}
	switch step.Type {
	case schema.StepTypeTrigger:
		return &TriggerNode{base: b}, nil

	case schema.StepTypeSearch:
		n := &SearchNode{base: b}
		if err := decodeConfig(step, &n.Config); err != nil {
			return nil, err
		}
		if strings.TrimSpace(n.Config.Query) == "" {
			return nil, configErr(step, "query is required")
		}
		if n.Config.Limit < 0 {
			return nil, configErr(step, "limit must not be negative")
		}
		if n.Config.Limit == 0 {
			n.Config.Limit = DefaultSearchLimit
		}
		return n, nil

	case schema.StepTypeAction:
		n := &ActionNode{base: b}
		if err := decodeConfig(step, &n.Config); err != nil {
			return nil, err
		}
		if n.Config.Kind == "" {
			n.Config.Kind = schema.ActionKindHTTP
		}
		switch n.Config.Kind {
		case schema.ActionKindHTTP:
			if strings.TrimSpace(n.Config.URL) == "" {
				return nil, configErr(step, "url is required for http actions")
			}
			n.Config.Method = strings.ToUpper(n.Config.Method)
			if n.Config.Method == "" {
				n.Config.Method = http.MethodPost
			}
			if !validMethods[n.Config.Method] {
				return nil, configErr(step, "unsupported method "+n.Config.Method)
			}
		case schema.ActionKindLLM:
			if strings.TrimSpace(n.Config.Prompt) == "" {
				return nil, configErr(step, "prompt is required for llm actions")
			}
		default:
			return nil, configErr(step, "unknown action kind "+n.Config.Kind)
		}
		return n, nil

	case schema.StepTypeCondition:
		n := &ConditionNode{base: b}
		if err := decodeConfig(step, &n.Config); err != nil {
			return nil, err
		}
		if strings.TrimSpace(n.Config.Expression) == "" {
			return nil, configErr(step, "expression is required")
		}
		if n.Config.Language == "" {
			n.Config.Language = schema.LanguageCEL
		}
		if n.Config.Language != schema.LanguageCEL && n.Config.Language != schema.LanguageExpr {
			return nil, configErr(step, "unknown expression language "+n.Config.Language)
		}
		return n, nil

	case schema.StepTypeTransform:
		n := &TransformNode{base: b}
		if err := decodeConfig(step, &n.Config); err != nil {
			return nil, err
		}
		if n.Config.Mode == "" {
			n.Config.Mode = schema.TransformTemplate
		}
		switch n.Config.Mode {
		case schema.TransformTemplate:
			if len(bytes.TrimSpace(n.Config.Template)) == 0 {
				return nil, configErr(step, "template is required in template mode")
			}
		case schema.TransformJQ, schema.TransformExpr:
			if strings.TrimSpace(n.Config.Expression) == "" {
				return nil, configErr(step, "expression is required in "+n.Config.Mode+" mode")
			}
		default:
			return nil, configErr(step, "unknown transform mode "+n.Config.Mode)
		}
		return n, nil

	case schema.StepTypeOutput:
		n := &OutputNode{base: b}
		if err := decodeConfig(step, &n.Config); err != nil {
			return nil, err
		}
		return n, nil

	case schema.StepTypeApproval:
		n := &ApprovalNode{base: b, Timeout: schema.DefaultApprovalTimeout}
		if err := decodeConfig(step, &n.Config); err != nil {
			return nil, err
		}
		if n.Config.Timeout != "" {
			d, err := time.ParseDuration(n.Config.Timeout)
			if err != nil {
				return nil, configErr(step, "invalid timeout "+n.Config.Timeout).WithCause(err)
			}
			if d <= 0 {
				return nil, configErr(step, "timeout must be positive")
			}
			n.Timeout = d
		}
		return n, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown type %q", step.ID, step.Type).
		WithStep(step.ID)
}

func decodeConfig(step schema.Step, dst any) error {
	raw := bytes.TrimSpace(step.Config)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return configErr(step, "malformed config: "+err.Error()).WithCause(err)
	}
	return nil
}

func configErr(step schema.Step, msg string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s step %s: %s", step.Type, step.ID, msg).
		WithStep(step.ID).
		WithDetails(map[string]any{"step_type": string(step.Type)})
}
