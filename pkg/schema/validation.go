package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem. Path locates it in the
// definition ("steps[gate].config", "edges[2]", "triggerConfig.cron"); StepID
// is set when the path points into a step.
type ValidationIssue struct {
	Path     string             `json:"path"`
	StepID   string             `json:"stepId,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// stepOfPath extracts the step ID from a "steps[<id>]..." path.
func stepOfPath(path string) string {
	rest, ok := strings.CutPrefix(path, "steps[")
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, "]")
	if !ok {
		return ""
	}
	return id
}

// ValidationResult aggregates all issues from the validation pipeline.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, StepID: stepOfPath(path), Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, StepID: stepOfPath(path), Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ErrorMessages returns the messages of all error-severity issues.
func (r *ValidationResult) ErrorMessages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Message)
	}
	return out
}

// ByStep groups errors and warnings by the step they point at. Issues
// about the workflow as a whole are left out.
func (r *ValidationResult) ByStep() map[string][]ValidationIssue {
	out := map[string][]ValidationIssue{}
	for _, list := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, issue := range list {
			if issue.StepID != "" {
				out[issue.StepID] = append(out[issue.StepID], issue)
			}
		}
	}
	return out
}

// ToError converts the result to a VALIDATION_ERROR, or nil when valid. A
// single error located in a step carries that step's ID.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	fe := NewError(ErrCodeValidation, r.Errors[0].Message)
	if len(r.Errors) > 1 {
		fe.Message = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	} else if r.Errors[0].StepID != "" {
		fe.StepID = r.Errors[0].StepID
	}

	return fe.WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
