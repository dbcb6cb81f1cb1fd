package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowgate/internal/approval"
	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/graph"
	"github.com/rendis/flowgate/internal/logging"
	"github.com/rendis/flowgate/internal/steps"
	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/pkg/schema"
)

var waiting = []schema.ExecutionStatus{schema.ExecutionWaitingApproval}

// suspend parks the execution on an approval step. Everything needed to
// resume is persisted; no goroutine waits for the response.
func (e *Engine) suspend(ctx context.Context, exec *schema.Execution, n *graph.ApprovalNode, sb *expressions.ScopeBuilder, previous string) error {
	ctx = logging.WithStepID(ctx, n.ID())
	now := e.clock()

	msg, err := e.dispatcher.ApprovalMessage(n, steps.ViewOf(sb.Build(previous)))
	if err != nil {
		res := &schema.StepResult{
			ExecutionID: exec.ID, StepID: n.ID(), StepType: n.Type(),
			Status: schema.StepError, Error: schema.DetailOf(err),
			StartedAt: now, CompletedAt: now,
		}
		if recErr := e.record(ctx, res); recErr != nil {
			return recErr
		}
		return e.fail(ctx, exec.ID, running, sb, err)
	}

	timeout := n.Timeout
	if n.Config.Timeout == "" {
		timeout = e.approvalTimeout
	}
	req := &schema.ApprovalRequest{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StepID:      n.ID(),
		Message:     msg,
		Approvers:   n.Config.Approvers,
		Status:      schema.ApprovalPending,
		RequestedAt: now,
		TimeoutAt:   now.Add(timeout),
	}

	if err := e.store.SaveExecutionState(ctx, exec.ID, sb.StepOutputs()); err != nil {
		return err
	}
	if err := e.store.CreateApprovalRequest(ctx, req); err != nil {
		return err
	}
	err = e.record(ctx, &schema.StepResult{
		ExecutionID: exec.ID,
		StepID:      n.ID(),
		StepType:    n.Type(),
		Status:      schema.StepWaitingApproval,
		Output:      map[string]any{"requestId": req.ID, "timeoutAt": req.TimeoutAt, "message": msg},
		StartedAt:   now,
		CompletedAt: now,
	})
	if err != nil {
		return err
	}

	stepID := n.ID()
	err = e.executions.Transition(ctx, exec.ID, running,
		store.ExecutionUpdate{Status: schema.ExecutionWaitingApproval, WaitingStepID: &stepID},
		map[string]any{"stepId": stepID, "requestId": req.ID})
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			// Cancelled while suspending: withdraw the request.
			return e.withdraw(ctx, req, "execution no longer running")
		}
		return err
	}

	if err := e.events.emit(ctx, exec.ID, n.ID(), schema.EventApprovalRequested, map[string]any{
		"requestId": req.ID,
		"message":   msg,
		"timeoutAt": req.TimeoutAt,
		"approvers": req.Approvers,
	}); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "execution waiting for approval",
		slog.String("request_id", req.ID), slog.Time("timeout_at", req.TimeoutAt))
	return nil
}

// SubmitApprovalResponse resolves a pending approval request with a human
// decision and resumes its execution. Responding to a request that is no
// longer pending is a CONFLICT and changes nothing.
func (e *Engine) SubmitApprovalResponse(ctx context.Context, requestID string, decision schema.ApprovalDecision, responderID, notes string) (*schema.Execution, error) {
	req, err := e.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != schema.ApprovalPending {
		return nil, approval.AlreadyResolved(req)
	}
	status, err := approval.ValidateResponse(req, decision, responderID)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithExecution(ctx, req.ExecutionID, req.WorkflowID)
	err = e.approvals.Resolve(ctx, req, store.Resolution{
		Status:      status,
		ResponderID: responderID,
		Notes:       notes,
		RespondedAt: e.clock(),
	})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "approval resolved",
		slog.String("request_id", req.ID), slog.String("status", string(status)), slog.String("responder", responderID))

	if err := e.abandon(ctx, req.ExecutionID, e.resume(ctx, req)); err != nil {
		return nil, err
	}
	return e.store.GetExecution(ctx, req.ExecutionID)
}

// TimeoutResult reports what one timeout sweep did with one request.
type TimeoutResult struct {
	RequestID   string `json:"requestId"`
	ExecutionID string `json:"executionId"`
	// Expired is false when another sweep or a responder got there first.
	Expired bool   `json:"expired"`
	Error   string `json:"error,omitempty"`
}

// ProcessApprovalTimeouts expires every pending request whose deadline is
// at or before now and resumes its execution along the timeout edge, or
// fails it. Safe to call concurrently and repeatedly; a failure on one
// request does not stop the sweep.
func (e *Engine) ProcessApprovalTimeouts(ctx context.Context, now time.Time) ([]TimeoutResult, error) {
	ctx, span := e.tracer.Start(ctx, "approval.timeout_sweep", trace.WithAttributes(
		attribute.String("flowgate.sweep_time", now.UTC().Format(time.RFC3339)),
	))
	defer span.End()

	expired, err := e.store.ListExpiredPending(ctx, now)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	results := make([]TimeoutResult, 0, len(expired))
	for _, req := range expired {
		result := TimeoutResult{RequestID: req.ID, ExecutionID: req.ExecutionID}
		reqCtx := logging.WithExecution(ctx, req.ExecutionID, req.WorkflowID)

		err := e.approvals.Resolve(reqCtx, req, store.Resolution{
			Status:      schema.ApprovalExpired,
			ResponderID: approval.SystemResponder,
			Notes:       "approval timed out",
			RespondedAt: now,
		})
		switch {
		case schema.IsCode(err, schema.ErrCodeConflict):
		case err != nil:
			result.Error = err.Error()
			e.logger.ErrorContext(reqCtx, "expire approval", slog.String("request_id", req.ID), slog.String("error", err.Error()))
		default:
			result.Expired = true
			if err := e.abandon(reqCtx, req.ExecutionID, e.resume(reqCtx, req)); err != nil {
				result.Error = err.Error()
				e.logger.ErrorContext(reqCtx, "resume expired approval", slog.String("request_id", req.ID), slog.String("error", err.Error()))
			}
		}
		results = append(results, result)
	}
	return results, nil
}

// CancelApproval rejects a pending request on behalf of the system. If the
// owning execution is still waiting, it follows the rejection path.
func (e *Engine) CancelApproval(ctx context.Context, requestID, note string) error {
	req, err := e.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != schema.ApprovalPending {
		return approval.AlreadyResolved(req)
	}
	if note == "" {
		note = "cancelled by system"
	}
	return e.withdraw(logging.WithExecution(ctx, req.ExecutionID, req.WorkflowID), req, note)
}

func (e *Engine) withdraw(ctx context.Context, req *schema.ApprovalRequest, note string) error {
	err := e.approvals.Resolve(ctx, req, store.Resolution{
		Status:      schema.ApprovalRejected,
		ResponderID: approval.SystemResponder,
		Notes:       note,
		RespondedAt: e.clock(),
	})
	if err != nil {
		return err
	}
	return e.abandon(ctx, req.ExecutionID, e.resume(ctx, req))
}

// resume continues an execution after its approval request resolved. An
// execution that is no longer waiting on that step is left alone.
func (e *Engine) resume(ctx context.Context, req *schema.ApprovalRequest) error {
	exec, err := e.store.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionWaitingApproval || exec.WaitingStepID != req.StepID {
		e.logger.DebugContext(ctx, "approval resolved for execution not waiting on it",
			slog.String("request_id", req.ID), slog.String("status", string(exec.Status)))
		return nil
	}
	ctx = logging.WithStepID(ctx, req.StepID)

	g, err := graph.FromDefinition(exec.Definition)
	if err != nil {
		return e.fail(ctx, exec.ID, waiting, nil, err)
	}

	var next string
	found := false
	for _, handle := range approval.Handles(req.Status) {
		if next, found = g.Next(req.StepID, handle); found {
			break
		}
	}

	out := approval.OutputOf(req)
	res := &schema.StepResult{
		ExecutionID: exec.ID,
		StepID:      req.StepID,
		StepType:    schema.StepTypeApproval,
		Status:      schema.StepSuccess,
		Output:      out,
		StartedAt:   req.RequestedAt,
		CompletedAt: out.RespondedAt,
	}

	if failure := approval.Failure(req); failure != nil && !found {
		res.Status = schema.StepError
		res.Error = failure.Detail()
		if err := e.record(ctx, res); err != nil {
			return err
		}
		return e.fail(ctx, exec.ID, waiting, nil, failure)
	}

	empty := ""
	err = e.executions.Transition(ctx, exec.ID, waiting,
		store.ExecutionUpdate{Status: schema.ExecutionRunning, WaitingStepID: &empty},
		map[string]any{"stepId": req.StepID, "decision": string(req.Status)})
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return nil
		}
		return err
	}
	if err := e.record(ctx, res); err != nil {
		return err
	}

	sb := expressions.NewScopeBuilder(exec.TriggerPayload, exec.Context)
	if err := sb.AddStepOutput(req.StepID, out); err != nil {
		return e.fail(ctx, exec.ID, running, sb, err)
	}
	if err := e.events.emit(ctx, exec.ID, req.StepID, schema.EventStepCompleted,
		map[string]any{"decision": string(req.Status)}); err != nil {
		return err
	}

	var frontier []frontierItem
	if found {
		frontier = append(frontier, frontierItem{stepID: next, previous: req.StepID})
	}
	return e.traverse(ctx, exec, g, sb, frontier)
}
