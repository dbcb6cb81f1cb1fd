package validation

import (
	"sync"

	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/pkg/schema"
)

// Validator checks workflow definitions for correctness before they are saved or run.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

var defaultValidator = sync.OnceValues(func() (*WorkflowValidator, error) {
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, err
	}
	return NewWorkflowValidator(engines)
})

// ValidateWorkflow runs the full validation pipeline with a shared validator.
func ValidateWorkflow(def *schema.WorkflowDefinition) *schema.ValidationResult {
	wv, err := defaultValidator()
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "validator unavailable: "+err.Error())
		return r
	}
	return wv.Validate(def)
}
