package api

import (
	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/internal/trigger"
	"github.com/rendis/flowgate/pkg/schema"
)

// TriggerResponse is returned by the webhook trigger endpoint.
type TriggerResponse struct {
	ExecutionID string                 `json:"executionId"`
	Status      schema.ExecutionStatus `json:"status"`
}

// RespondRequest is the body of an approval response.
type RespondRequest struct {
	Decision    string `json:"decision" validate:"required,oneof=approve reject approved rejected"`
	ResponderID string `json:"responderId" validate:"required,max=256"`
	Notes       string `json:"notes" validate:"max=4096"`
}

// CancelRequest is the optional body of an execution cancel call.
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=1024"`
}

// ScheduledRunResponse lists what a schedule sweep did per workflow.
type ScheduledRunResponse struct {
	RanAt   string                   `json:"ranAt"`
	Results []trigger.ScheduleResult `json:"results"`
}

// TimeoutRunResponse lists the requests a timeout sweep looked at.
type TimeoutRunResponse struct {
	RanAt   string                 `json:"ranAt"`
	Results []engine.TimeoutResult `json:"results"`
}

// ExecutionResponse is an execution with its step log.
type ExecutionResponse struct {
	Execution *schema.Execution    `json:"execution"`
	Steps     []*schema.StepResult `json:"steps"`
}
