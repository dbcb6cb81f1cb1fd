package store

import (
	"time"

	"github.com/rendis/flowgate/pkg/schema"
)

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	TriggerType schema.TriggerType
	Active      *bool
	Limit       int
}

// ExecutionUpdate holds optional fields for UpdateExecutionStatus.
// Status is always written.
type ExecutionUpdate struct {
	Status        schema.ExecutionStatus
	Output        any
	Error         *schema.ErrorDetail
	WaitingStepID *string
	CompletedAt   *time.Time
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID string
	Status     schema.ExecutionStatus
	Limit      int
}

// Resolution is the outcome recorded when an approval request is resolved.
type Resolution struct {
	Status      schema.ApprovalStatus
	ResponderID string
	Notes       string
	RespondedAt time.Time
}

// ApprovalFilter narrows ListApprovals.
type ApprovalFilter struct {
	ExecutionID string
	WorkflowID  string
	Status      schema.ApprovalStatus
	Limit       int
}
