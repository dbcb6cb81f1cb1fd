// Package engine runs workflow executions: graph traversal, durable
// suspension on approval steps, resumption and cancellation.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/graph"
	"github.com/rendis/flowgate/internal/logging"
	"github.com/rendis/flowgate/internal/steps"
	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/internal/streaming"
	"github.com/rendis/flowgate/pkg/schema"
)

const tracerName = "github.com/rendis/flowgate/internal/engine"

// Observer receives engine measurements.
type Observer interface {
	ExecutionTransition(to schema.ExecutionStatus)
	StepRecorded(stepType schema.StepType, status schema.StepStatus, elapsed time.Duration)
	ApprovalResolved(status schema.ApprovalStatus)
}

type nopObserver struct{}

func (nopObserver) ExecutionTransition(schema.ExecutionStatus)                     {}
func (nopObserver) StepRecorded(schema.StepType, schema.StepStatus, time.Duration) {}
func (nopObserver) ApprovalResolved(schema.ApprovalStatus)                         {}

// Config tunes an Engine. Zero values select defaults.
type Config struct {
	PoolSize int
	// DefaultApprovalTimeout applies to approval steps without a timeout.
	DefaultApprovalTimeout time.Duration
	Clock                  func() time.Time
	Logger                 *slog.Logger
	Observer               Observer
	// Publisher, if set, receives every audit event after it is stored.
	Publisher streaming.Publisher
}

// Engine executes workflow definitions.
type Engine struct {
	store           store.Store
	dispatcher      *steps.Dispatcher
	executions      *ExecutionFSM
	approvals       *ApprovalFSM
	events          *eventLog
	pool            *WorkerPool
	clock           func() time.Time
	approvalTimeout time.Duration
	logger          *slog.Logger
	observer        Observer
	tracer          trace.Tracer
}

// New creates an Engine.
func New(s store.Store, dispatcher *steps.Dispatcher, cfg Config) *Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.DefaultApprovalTimeout <= 0 {
		cfg.DefaultApprovalTimeout = schema.DefaultApprovalTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	var events store.EventStore = s
	if cfg.Publisher != nil {
		events = streaming.NewPublishingStore(s, cfg.Publisher, cfg.Logger)
	}

	e := &Engine{
		store:           s,
		dispatcher:      dispatcher,
		executions:      NewExecutionFSM(s, events, cfg.Clock),
		approvals:       NewApprovalFSM(s, events, cfg.Clock),
		events:          &eventLog{store: events, clock: cfg.Clock},
		pool:            NewWorkerPool(cfg.PoolSize, cfg.Logger),
		clock:           cfg.Clock,
		approvalTimeout: cfg.DefaultApprovalTimeout,
		logger:          cfg.Logger,
		observer:        cfg.Observer,
		tracer:          otel.Tracer(tracerName),
	}

	for status := range ExecutionTransitions {
		e.executions.OnAfter(status, func(_ context.Context, _, to string) {
			e.observer.ExecutionTransition(schema.ExecutionStatus(to))
		})
	}
	for status := range ApprovalTransitions {
		e.approvals.OnAfter(status, func(_ context.Context, _, to string) {
			e.observer.ApprovalResolved(schema.ApprovalStatus(to))
		})
	}
	return e
}

// StartRequest describes a new execution.
type StartRequest struct {
	WorkflowID string
	Source     schema.TriggerType
	Payload    any
	// At is the start time recorded on the execution; zero means now.
	At time.Time
}

// Start creates an execution and runs it until it completes, fails or
// suspends on an approval step. The returned execution reflects the state
// it stopped in. Step failures are recorded on the execution, not returned.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*schema.Execution, error) {
	exec, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.run(ctx, exec); err != nil {
		return nil, err
	}
	return e.store.GetExecution(ctx, exec.ID)
}

// StartAsync creates an execution and runs it on the worker pool. The
// returned execution is still pending.
func (e *Engine) StartAsync(ctx context.Context, req StartRequest) (*schema.Execution, error) {
	exec, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}
	err = e.pool.Submit(ctx, exec.ID, func(runCtx context.Context) error {
		return e.run(runCtx, exec)
	})
	if err != nil {
		_ = e.fail(ctx, exec.ID, []schema.ExecutionStatus{schema.ExecutionPending}, nil,
			schema.NewError(schema.ErrCodeCancelled, "execution could not be scheduled").WithCause(err))
		return nil, err
	}
	return exec, nil
}

func (e *Engine) create(ctx context.Context, req StartRequest) (*schema.Execution, error) {
	def, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	payload, err := expressions.Normalize(req.Payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "trigger payload is not JSON: %s", err.Error()).WithCause(err)
	}
	at := req.At
	if at.IsZero() {
		at = e.clock()
	}
	source := req.Source
	if source == "" {
		source = schema.TriggerManual
	}

	exec := &schema.Execution{
		ID:             uuid.NewString(),
		WorkflowID:     def.ID,
		TriggerSource:  source,
		TriggerPayload: payload,
		Status:         schema.ExecutionPending,
		Definition:     def,
		StartedAt:      at,
		UpdatedAt:      at,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// run drives a pending execution. It returns only errors the execution
// could not record on itself.
func (e *Engine) run(ctx context.Context, exec *schema.Execution) error {
	ctx = logging.WithExecution(ctx, exec.ID, exec.WorkflowID)
	ctx, span := e.tracer.Start(ctx, "execution.run", trace.WithAttributes(executionAttrs(exec)...))
	defer span.End()

	g, err := graph.FromDefinition(exec.Definition)
	if err != nil {
		return e.fail(ctx, exec.ID, []schema.ExecutionStatus{schema.ExecutionPending}, nil, err)
	}

	err = e.executions.Transition(ctx, exec.ID, []schema.ExecutionStatus{schema.ExecutionPending},
		store.ExecutionUpdate{Status: schema.ExecutionRunning},
		map[string]any{"workflowId": exec.WorkflowID, "triggerSource": string(exec.TriggerSource)})
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return nil
		}
		return err
	}
	e.logger.InfoContext(ctx, "execution started", slog.String("trigger_source", string(exec.TriggerSource)))

	sb := expressions.NewScopeBuilder(exec.TriggerPayload, nil)
	err = e.abandon(ctx, exec.ID, e.traverse(ctx, exec, g, sb, []frontierItem{{stepID: g.Entry()}}))
	recordSpanError(span, err)
	return err
}

// fail moves an execution to failed. Losing the race against another
// transition (typically a cancellation) is not an error.
func (e *Engine) fail(ctx context.Context, id string, from []schema.ExecutionStatus, sb *expressions.ScopeBuilder, cause error) error {
	detail := schema.DetailOf(cause)
	if sb != nil {
		if err := e.store.SaveExecutionState(ctx, id, sb.StepOutputs()); err != nil {
			return err
		}
	}
	err := e.executions.Transition(ctx, id, from,
		store.ExecutionUpdate{Status: schema.ExecutionFailed, Error: detail},
		map[string]any{"code": detail.Code, "message": detail.Message, "stepId": detail.StepID})
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return nil
		}
		return err
	}
	e.logger.WarnContext(ctx, "execution failed",
		slog.String("code", detail.Code), slog.String("step", detail.StepID), slog.String("error", detail.Message))
	return nil
}

// abandon makes a best-effort move to failed for an execution whose run
// stopped on an error it could not record, so it is never left running or
// waiting with nothing to move it on. cause is returned unchanged.
func (e *Engine) abandon(ctx context.Context, id string, cause error) error {
	if cause == nil || schema.IsCode(cause, schema.ErrCodeConflict) {
		return cause
	}
	failure := schema.NewError(schema.ErrCodeStore, "execution stopped by a storage failure").WithCause(cause)
	if err := e.fail(ctx, id, nonTerminal, nil, failure); err != nil {
		e.logger.ErrorContext(ctx, "fail abandoned execution", slog.String("error", err.Error()))
	}
	return cause
}

// CancelExecution cancels a non-terminal execution and its pending
// approval. A step already in flight is not interrupted; its result is
// discarded when it arrives.
func (e *Engine) CancelExecution(ctx context.Context, id, reason string) (*schema.Execution, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q is already %s", id, exec.Status)
	}
	if reason == "" {
		reason = "cancelled"
	}
	ctx = logging.WithExecution(ctx, exec.ID, exec.WorkflowID)

	detail := schema.NewError(schema.ErrCodeCancelled, reason).Detail()
	err = e.executions.Transition(ctx, id, nonTerminal,
		store.ExecutionUpdate{Status: schema.ExecutionCancelled, Error: detail},
		map[string]any{"reason": reason})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "execution cancelled", slog.String("reason", reason))

	pending, err := e.store.ListApprovals(ctx, store.ApprovalFilter{ExecutionID: id, Status: schema.ApprovalPending})
	if err != nil {
		return nil, err
	}
	for _, req := range pending {
		if err := e.CancelApproval(ctx, req.ID, "execution cancelled: "+reason); err != nil &&
			!schema.IsCode(err, schema.ErrCodeConflict) {
			return nil, err
		}
	}
	return e.store.GetExecution(ctx, id)
}

// DeactivateWorkflow marks a workflow inactive and cancels its executions
// waiting on approval. It returns the cancelled execution ids.
func (e *Engine) DeactivateWorkflow(ctx context.Context, workflowID string) ([]string, error) {
	if err := e.store.SetWorkflowActive(ctx, workflowID, false); err != nil {
		return nil, err
	}
	waiting, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID: workflowID,
		Status:     schema.ExecutionWaitingApproval,
	})
	if err != nil {
		return nil, err
	}
	var cancelled []string
	for _, exec := range waiting {
		if _, err := e.CancelExecution(ctx, exec.ID, "workflow deactivated"); err != nil {
			if schema.IsCode(err, schema.ErrCodeConflict) {
				continue
			}
			return cancelled, err
		}
		cancelled = append(cancelled, exec.ID)
	}
	return cancelled, nil
}

// GetExecution returns an execution by id.
func (e *Engine) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	return e.store.GetExecution(ctx, id)
}

// ListStepResults returns an execution's step log in run order.
func (e *Engine) ListStepResults(ctx context.Context, id string) ([]*schema.StepResult, error) {
	return e.store.ListStepResults(ctx, id)
}

// Events returns an execution's audit events after sequence since.
func (e *Engine) Events(ctx context.Context, id string, since int64) ([]*schema.Event, error) {
	return e.store.GetEvents(ctx, id, since)
}

// PoolMetrics reports the async worker pool's counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Running lists the executions currently on the async pool.
func (e *Engine) Running() []string {
	return e.pool.Running()
}

// Wait blocks until every asynchronous execution submitted so far has stopped.
func (e *Engine) Wait() {
	e.pool.Wait()
}

// Shutdown stops accepting asynchronous executions and waits for running ones.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}
