// Package approval holds the rules shared by every path that resolves an
// approval request: who may respond, which edge an outcome follows and what
// the approval step contributes to the execution context.
package approval

import (
	"slices"

	"github.com/rendis/flowgate/pkg/schema"
)

// SystemResponder is recorded as the responder of requests resolved by the
// engine itself (timeouts and cancellations).
const SystemResponder = "system"

// ValidateResponse checks a human response against a pending request and
// returns the status the request resolves to. When the request names
// approvers, only they may respond; an empty list accepts anyone.
func ValidateResponse(req *schema.ApprovalRequest, decision schema.ApprovalDecision, responderID string) (schema.ApprovalStatus, error) {
	status, ok := decision.Status()
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"invalid decision %q: want approve or reject", decision)
	}
	if len(req.Approvers) > 0 && !slices.Contains(req.Approvers, responderID) {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"responder %q is not an approver of request %q", responderID, req.ID).
			WithStep(req.StepID).
			WithDetails(map[string]any{"approvers": req.Approvers})
	}
	return status, nil
}

// AlreadyResolved is the error returned for responses to a request that is
// no longer pending.
func AlreadyResolved(req *schema.ApprovalRequest) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "approval request %q already resolved", req.ID).
		WithStep(req.StepID).
		WithDetails(map[string]any{"status": string(req.Status)})
}
