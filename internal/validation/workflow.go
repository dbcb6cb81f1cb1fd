package validation

import (
	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema for the document and each step's config)
// 2. Semantic (step IDs, edge endpoints, config decoding, expressions, trigger settings)
// 3. Graph (fan-out per step type, reachability, cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	engines    *expressions.Engines
}

// NewWorkflowValidator creates a WorkflowValidator.
// engines may be nil to skip expression compilation checks.
func NewWorkflowValidator(engines *expressions.Engines) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		engines:    engines,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := wv.jsonSchema.ValidateStructure(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.engines))
	result.Merge(validateGraph(def))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

var _ Validator = (*WorkflowValidator)(nil)
