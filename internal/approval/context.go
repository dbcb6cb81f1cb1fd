package approval

import (
	"time"

	"github.com/rendis/flowgate/pkg/schema"
)

// Output is what a resolved approval step contributes to the execution
// context, addressable as {{stepId.decision}} and friends.
type Output struct {
	Decision    string    `json:"decision"`
	ResponderID string    `json:"responderId"`
	Notes       string    `json:"notes"`
	RespondedAt time.Time `json:"respondedAt"`
}

// OutputOf builds the step output of a resolved request.
func OutputOf(req *schema.ApprovalRequest) Output {
	out := Output{
		Decision:    string(req.Status),
		ResponderID: req.ResponderID,
		Notes:       req.Notes,
	}
	if req.RespondedAt != nil {
		out.RespondedAt = *req.RespondedAt
	}
	return out
}

// Handles lists, in preference order, the edge handles an outcome may
// follow. Approval also follows an unlabelled edge.
func Handles(status schema.ApprovalStatus) []string {
	switch status {
	case schema.ApprovalApproved:
		return []string{schema.HandleApproved, ""}
	case schema.ApprovalRejected:
		return []string{schema.HandleRejected}
	case schema.ApprovalExpired:
		return []string{schema.HandleTimeout}
	}
	return nil
}

// Failure is the error that ends an execution whose approval was rejected
// or expired and has no edge for that outcome. It returns nil for approval.
func Failure(req *schema.ApprovalRequest) *schema.FlowError {
	details := map[string]any{"request_id": req.ID}
	switch req.Status {
	case schema.ApprovalRejected:
		if req.Notes != "" {
			details["notes"] = req.Notes
		}
		if req.ResponderID != "" {
			details["responder_id"] = req.ResponderID
		}
		return schema.NewError(schema.ErrCodeApprovalRejected, "rejected by approval").
			WithStep(req.StepID).WithDetails(details)
	case schema.ApprovalExpired:
		details["timeout_at"] = req.TimeoutAt.Format(time.RFC3339)
		return schema.NewError(schema.ErrCodeApprovalExpired, "approval timed out").
			WithStep(req.StepID).WithDetails(details)
	}
	return nil
}
