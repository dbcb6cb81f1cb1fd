package schema

import (
	"encoding/json"
	"time"
)

// Event type constants for the execution audit log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionSuspended = "execution_suspended"
	EventExecutionResumed   = "execution_resumed"

	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventConditionEvaluated = "condition_evaluated"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventApprovalExpired   = "approval_expired"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending         ExecutionStatus = "pending"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionWaitingApproval ExecutionStatus = "waiting_approval"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionCancelled       ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the recorded outcome of one step in an execution.
type StepStatus string

const (
	StepSuccess         StepStatus = "success"
	StepError           StepStatus = "error"
	StepSkipped         StepStatus = "skipped"
	StepWaitingApproval StepStatus = "waiting_approval"
)

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Execution is one run of a workflow definition against a trigger payload.
type Execution struct {
	ID             string              `json:"id"`
	WorkflowID     string              `json:"workflowId"`
	TriggerSource  TriggerType         `json:"triggerSource"`
	TriggerPayload any                 `json:"triggerPayload,omitempty"`
	Status         ExecutionStatus     `json:"status"`
	Context        map[string]any      `json:"context,omitempty"`
	Output         any                 `json:"output,omitempty"`
	Error          *ErrorDetail        `json:"error,omitempty"`
	WaitingStepID  string              `json:"waitingStepId,omitempty"`
	Definition     *WorkflowDefinition `json:"-"`
	StartedAt      time.Time           `json:"startedAt"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// StepResult is an append-only log entry for one step of an execution.
type StepResult struct {
	ExecutionID string       `json:"executionId"`
	Seq         int64        `json:"seq"`
	StepID      string       `json:"stepId"`
	StepType    StepType     `json:"stepType"`
	Status      StepStatus   `json:"status"`
	Output      any          `json:"output,omitempty"`
	Error       *ErrorDetail `json:"error,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt time.Time    `json:"completedAt"`
}

// ApprovalRequest is the durable record of a suspended approval step.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"executionId"`
	WorkflowID  string         `json:"workflowId"`
	StepID      string         `json:"stepId"`
	Message     string         `json:"message,omitempty"`
	Approvers   []string       `json:"approvers,omitempty"`
	Status      ApprovalStatus `json:"status"`
	RequestedAt time.Time      `json:"requestedAt"`
	TimeoutAt   time.Time      `json:"timeoutAt"`
	ResponderID string         `json:"responderId,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	RespondedAt *time.Time     `json:"respondedAt,omitempty"`
}

// ApprovalDecision is a responder's verdict on an approval request.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionReject  ApprovalDecision = "reject"
)

// Status maps a decision to the approval status it resolves to.
func (d ApprovalDecision) Status() (ApprovalStatus, bool) {
	switch d {
	case DecisionApprove, "approved":
		return ApprovalApproved, true
	case DecisionReject, "rejected":
		return ApprovalRejected, true
	}
	return "", false
}

// Event is an entry of the execution audit log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"executionId"`
	StepID      string          `json:"stepId,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}
