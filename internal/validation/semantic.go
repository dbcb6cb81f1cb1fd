package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/flowgate/internal/cron"
	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/graph"
	"github.com/rendis/flowgate/internal/secrets"
	"github.com/rendis/flowgate/pkg/schema"
)

// validateSemantic checks what the schemas cannot express: unique step IDs,
// edge endpoints, typed config decoding, expression compilation, placeholder
// references and trigger settings.
func validateSemantic(def *schema.WorkflowDefinition, engines *expressions.Engines) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if stepIDs[s.ID] {
			result.AddError(stepPath(s.ID), schema.ErrCodeValidation, fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		stepIDs[s.ID] = true
	}

	for i, e := range def.Edges {
		path := edgePath(i, e)
		if !stepIDs[e.Source] {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("edge source %q is not a step", e.Source))
		}
		if !stepIDs[e.Target] {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("edge target %q is not a step", e.Target))
		}
	}

	for _, s := range def.Steps {
		n, err := graph.DecodeNode(s)
		if err != nil {
			result.AddError(stepPath(s.ID)+".config", schema.ErrCodeValidation, errMessage(err))
			continue
		}
		validateExpressions(n, engines, result)
		validateReferences(s, stepIDs, result)
	}

	validateTrigger(def, result)
	return result
}

// validateExpressions compiles condition and transform expressions so
// syntax errors surface at save time rather than mid-execution.
func validateExpressions(n graph.Node, engines *expressions.Engines, result *schema.ValidationResult) {
	if engines == nil {
		return
	}
	var err error
	switch node := n.(type) {
	case *graph.ConditionNode:
		if node.Config.Language == schema.LanguageExpr {
			err = engines.Expr.Compile(node.Config.Expression)
		} else {
			err = engines.CEL.Compile(node.Config.Expression)
		}
	case *graph.TransformNode:
		switch node.Config.Mode {
		case schema.TransformJQ:
			err = engines.JQ.Compile(node.Config.Expression)
		case schema.TransformExpr:
			err = engines.Expr.Compile(node.Config.Expression)
		}
	}
	if err != nil {
		result.AddError(stepPath(n.ID())+".config.expression", schema.ErrCodeValidation, errMessage(err))
	}
}

// validateReferences warns about placeholders naming steps that do not exist.
func validateReferences(s schema.Step, stepIDs map[string]bool, result *schema.ValidationResult) {
	for _, ref := range expressions.References(string(s.Config)) {
		if stepIDs[ref] || ref == "trigger" || ref == "result" {
			continue
		}
		result.AddWarning(stepPath(s.ID)+".config", schema.ErrCodeValidation,
			fmt.Sprintf("placeholder references unknown step %q", ref))
	}
	if s.Type != schema.StepTypeAction && secrets.HasRefs(string(s.Config)) {
		result.AddWarning(stepPath(s.ID)+".config", schema.ErrCodeValidation,
			"secret references are only resolved in action steps")
	}
}

func validateTrigger(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	tc := def.TriggerConfig
	if tc.Cron != "" {
		if _, err := cron.Parse(tc.Cron); err != nil {
			result.AddError("triggerConfig.cron", schema.ErrCodeValidation, errMessage(err))
		}
	}
	if tc.Interval != "" {
		d, err := time.ParseDuration(tc.Interval)
		if err != nil || d <= 0 {
			result.AddError("triggerConfig.interval", schema.ErrCodeValidation,
				fmt.Sprintf("interval %q must be a positive duration", tc.Interval))
		}
	}
	if def.TriggerType == schema.TriggerScheduled {
		switch {
		case tc.Cron == "" && tc.Interval == "":
			result.AddError("triggerConfig", schema.ErrCodeValidation, "scheduled workflows need a cron expression or an interval")
		case tc.Cron != "" && tc.Interval != "":
			result.AddError("triggerConfig", schema.ErrCodeValidation, "set either cron or interval, not both")
		}
	}
}

func edgePath(i int, e schema.Edge) string {
	if e.ID != "" {
		return "edges[" + e.ID + "]"
	}
	return fmt.Sprintf("edges[%d]", i)
}

// errMessage strips the code prefix of structured errors for issue messages.
func errMessage(err error) string {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe.Message
	}
	return strings.TrimSpace(err.Error())
}
