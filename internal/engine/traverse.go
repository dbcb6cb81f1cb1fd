package engine

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/graph"
	"github.com/rendis/flowgate/internal/logging"
	"github.com/rendis/flowgate/internal/steps"
	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/pkg/schema"
)

var running = []schema.ExecutionStatus{schema.ExecutionRunning}

// frontierItem is a step ready to run and the step that enabled it.
type frontierItem struct {
	stepID   string
	previous string
}

// traverse runs ready steps one at a time until the frontier is empty, a
// step fails, or an approval step suspends the execution.
func (e *Engine) traverse(ctx context.Context, exec *schema.Execution, g *graph.Graph, sb *expressions.ScopeBuilder, frontier []frontierItem) error {
	var output any

	for len(frontier) > 0 {
		item := frontier[0]
		frontier = frontier[1:]

		node, ok := g.Node(item.stepID)
		if !ok {
			return e.fail(ctx, exec.ID, running, sb,
				schema.NewErrorf(schema.ErrCodeValidation, "edge targets unknown step %q", item.stepID))
		}

		live, err := e.live(ctx, exec.ID)
		if err != nil || !live {
			return err
		}

		if n, isApproval := node.(*graph.ApprovalNode); isApproval {
			return e.suspend(ctx, exec, n, sb, item.previous)
		}

		res, err := e.step(ctx, exec, g, node, sb, item.previous)
		if err != nil || res.stop {
			return err
		}
		if _, isOutput := node.(*graph.OutputNode); isOutput {
			output = res.output
		}
		frontier = append(frontier, res.next...)
	}

	if err := e.store.SaveExecutionState(ctx, exec.ID, sb.StepOutputs()); err != nil {
		return err
	}
	err := e.executions.Transition(ctx, exec.ID, running,
		store.ExecutionUpdate{Status: schema.ExecutionCompleted, Output: output}, nil)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return nil
		}
		return err
	}
	e.logger.InfoContext(ctx, "execution completed")
	return nil
}

// stepRun is the result of running one node. stop means traversal must end
// because the execution failed or was cancelled while the step ran.
type stepRun struct {
	next   []frontierItem
	output any
	stop   bool
}

var stopped = stepRun{stop: true}

// step runs one non-approval node and returns the steps it enables.
func (e *Engine) step(ctx context.Context, exec *schema.Execution, g *graph.Graph, node graph.Node, sb *expressions.ScopeBuilder, previous string) (stepRun, error) {
	ctx = logging.WithStepID(ctx, node.ID())
	ctx, span := e.tracer.Start(ctx, "step."+string(node.Type()), trace.WithAttributes(
		attribute.String("flowgate.step_id", node.ID()),
		attribute.String("flowgate.step_type", string(node.Type())),
	))
	defer span.End()

	started := e.clock()
	out, runErr := e.dispatcher.Execute(ctx, node, steps.ViewOf(sb.Build(previous)))
	finished := e.clock()

	// The execution may have been cancelled while the step ran.
	live, err := e.live(ctx, exec.ID)
	if err != nil {
		return stopped, err
	}
	if !live {
		e.logger.InfoContext(ctx, "discarding step result of inactive execution")
		return stopped, nil
	}

	res := &schema.StepResult{
		ExecutionID: exec.ID,
		StepID:      node.ID(),
		StepType:    node.Type(),
		StartedAt:   started,
		CompletedAt: finished,
	}

	if runErr != nil {
		recordSpanError(span, runErr)
		res.Status = schema.StepError
		res.Error = schema.DetailOf(runErr)
		if err := e.record(ctx, res); err != nil {
			return stopped, err
		}
		if err := e.events.emit(ctx, exec.ID, node.ID(), schema.EventStepFailed, res.Error); err != nil {
			return stopped, err
		}
		return stopped, e.fail(ctx, exec.ID, running, sb, runErr)
	}

	if err := sb.AddStepOutput(node.ID(), out.Output); err != nil {
		return stopped, e.fail(ctx, exec.ID, running, sb, err)
	}
	res.Status = out.Status
	res.Output = out.Output
	res.Error = out.Error
	if err := e.record(ctx, res); err != nil {
		return stopped, err
	}

	if out.Error != nil {
		e.logger.WarnContext(ctx, "step failed, continuing", slog.String("error", out.Error.Message))
		if err := e.events.emit(ctx, exec.ID, node.ID(), schema.EventStepFailed,
			map[string]any{"error": out.Error, "continued": true}); err != nil {
			return stopped, err
		}
	} else if err := e.events.emit(ctx, exec.ID, node.ID(), schema.EventStepCompleted, nil); err != nil {
		return stopped, err
	}

	if cond, ok := node.(*graph.ConditionNode); ok {
		next, err := e.branch(ctx, exec, g, cond, out)
		return stepRun{next: next, output: out.Output}, err
	}

	var next []frontierItem
	for _, id := range g.Successors(node.ID()) {
		next = append(next, frontierItem{stepID: id, previous: node.ID()})
	}
	return stepRun{next: next, output: out.Output}, nil
}

// branch follows the edge a condition chose and records every step that
// only the other edge leads to as skipped.
func (e *Engine) branch(ctx context.Context, exec *schema.Execution, g *graph.Graph, n *graph.ConditionNode, out steps.Outcome) ([]frontierItem, error) {
	untakenHandle := schema.HandleFalse
	if out.Branch == schema.HandleFalse {
		untakenHandle = schema.HandleTrue
	}
	taken, _ := g.Next(n.ID(), out.Branch)
	untaken, _ := g.Next(n.ID(), untakenHandle)

	err := e.events.emit(ctx, exec.ID, n.ID(), schema.EventConditionEvaluated, map[string]any{
		"expression": n.Config.Expression,
		"branch":     out.Branch,
		"next":       taken,
	})
	if err != nil {
		return nil, err
	}

	now := e.clock()
	for _, id := range g.SkippedBranch(taken, untaken) {
		skipped, _ := g.Node(id)
		res := &schema.StepResult{
			ExecutionID: exec.ID,
			StepID:      id,
			StepType:    skipped.Type(),
			Status:      schema.StepSkipped,
			StartedAt:   now,
			CompletedAt: now,
		}
		if err := e.record(ctx, res); err != nil {
			return nil, err
		}
		if err := e.events.emit(ctx, exec.ID, id, schema.EventStepSkipped,
			map[string]any{"condition": n.ID(), "branch": untakenHandle}); err != nil {
			return nil, err
		}
	}

	if taken == "" {
		return nil, nil
	}
	return []frontierItem{{stepID: taken, previous: n.ID()}}, nil
}

// live reports whether the execution is still running.
func (e *Engine) live(ctx context.Context, id string) (bool, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return false, err
	}
	return exec.Status == schema.ExecutionRunning, nil
}

func (e *Engine) record(ctx context.Context, res *schema.StepResult) error {
	if err := e.store.AppendStepResult(ctx, res); err != nil {
		return err
	}
	e.observer.StepRecorded(res.StepType, res.Status, res.CompletedAt.Sub(res.StartedAt))
	return nil
}

func executionAttrs(exec *schema.Execution) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("flowgate.execution_id", exec.ID),
		attribute.String("flowgate.workflow_id", exec.WorkflowID),
		attribute.String("flowgate.trigger_source", string(exec.TriggerSource)),
	}
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
