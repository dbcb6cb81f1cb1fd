// Package trigger turns manual calls, webhooks and schedule sweeps into
// executions.
package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/internal/logging"
	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/pkg/schema"
)

// Runner starts executions. Satisfied by *engine.Engine.
type Runner interface {
	Start(ctx context.Context, req engine.StartRequest) (*schema.Execution, error)
	StartAsync(ctx context.Context, req engine.StartRequest) (*schema.Execution, error)
}

// Dispatcher maps inbound triggers to executions.
type Dispatcher struct {
	defs   store.DefinitionStore
	execs  store.ExecutionStore
	runner Runner
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(defs store.DefinitionStore, execs store.ExecutionStore, runner Runner, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{defs: defs, execs: execs, runner: runner, logger: logger}
}

// Manual starts an execution immediately and runs it until it stops.
// Inactive workflows may be run manually.
func (d *Dispatcher) Manual(ctx context.Context, workflowID string, payload any) (*schema.Execution, error) {
	return d.runner.Start(ctx, engine.StartRequest{
		WorkflowID: workflowID,
		Source:     schema.TriggerManual,
		Payload:    payload,
	})
}

// Webhook starts an execution for an inbound call. The workflow must exist
// (NOT_FOUND) and be active (INACTIVE). When the workflow's trigger is
// configured async, the execution is returned while still pending.
func (d *Dispatcher) Webhook(ctx context.Context, workflowID string, payload any) (*schema.Execution, error) {
	def, err := d.defs.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, schema.NewErrorf(schema.ErrCodeInactive, "workflow %q is not active", workflowID)
	}

	req := engine.StartRequest{WorkflowID: def.ID, Source: schema.TriggerWebhook, Payload: payload}
	if def.TriggerConfig.Async {
		return d.runner.StartAsync(ctx, req)
	}
	return d.runner.Start(ctx, req)
}

// ScheduleResult reports what a sweep did for one scheduled workflow.
type ScheduleResult struct {
	WorkflowID  string `json:"workflowId"`
	Executed    bool   `json:"executed"`
	ExecutionID string `json:"executionId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RunScheduled starts an execution for every active scheduled workflow due
// at now. A workflow with a broken schedule or a failing start is reported
// and logged; the sweep carries on with the others. Only listing the
// workflows can fail the sweep as a whole.
func (d *Dispatcher) RunScheduled(ctx context.Context, now time.Time) ([]ScheduleResult, error) {
	now = now.UTC()
	defs, err := d.defs.ListActiveScheduledWorkflows(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]ScheduleResult, 0, len(defs))
	for _, def := range defs {
		wfCtx := logging.WithWorkflowID(ctx, def.ID)
		result := ScheduleResult{WorkflowID: def.ID}

		exec, err := d.runIfDue(wfCtx, def, now)
		switch {
		case err != nil:
			result.Error = err.Error()
			d.logger.WarnContext(wfCtx, "scheduled workflow skipped", slog.String("error", err.Error()))
		case exec != nil:
			result.Executed = true
			result.ExecutionID = exec.ID
			d.logger.InfoContext(wfCtx, "scheduled execution started",
				slog.String("execution_id", exec.ID), slog.String("status", string(exec.Status)))
		}
		results = append(results, result)
	}
	return results, nil
}

func (d *Dispatcher) runIfDue(ctx context.Context, def *schema.WorkflowDefinition, now time.Time) (*schema.Execution, error) {
	due, err := d.due(ctx, def, now)
	if err != nil || !due {
		return nil, err
	}
	req := engine.StartRequest{
		WorkflowID: def.ID,
		Source:     schema.TriggerScheduled,
		Payload:    map[string]any{"timestamp": now.Format(time.RFC3339)},
		At:         now,
	}
	if def.TriggerConfig.Async {
		return d.runner.StartAsync(ctx, req)
	}
	return d.runner.Start(ctx, req)
}
