package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/internal/actions"
	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/steps"
	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/pkg/schema"
)

var epoch = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type countingObserver struct {
	mu          sync.Mutex
	transitions map[schema.ExecutionStatus]int
	steps       map[schema.StepStatus]int
	approvals   map[schema.ApprovalStatus]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		transitions: map[schema.ExecutionStatus]int{},
		steps:       map[schema.StepStatus]int{},
		approvals:   map[schema.ApprovalStatus]int{},
	}
}

func (o *countingObserver) ExecutionTransition(to schema.ExecutionStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions[to]++
}

func (o *countingObserver) StepRecorded(_ schema.StepType, status schema.StepStatus, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps[status]++
}

func (o *countingObserver) ApprovalResolved(status schema.ApprovalStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.approvals[status]++
}

type harness struct {
	engine   *Engine
	store    *store.MemoryStore
	clock    *testClock
	observer *countingObserver
}

func newHarness(t *testing.T, services *actions.Services) *harness {
	t.Helper()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)

	h := &harness{
		store:    store.NewMemoryStore(),
		clock:    &testClock{now: epoch},
		observer: newCountingObserver(),
	}
	h.engine = New(h.store, steps.NewDispatcher(services, engines), Config{
		PoolSize: 2,
		Clock:    h.clock.Now,
		Observer: h.observer,
	})
	t.Cleanup(h.engine.Shutdown)
	return h
}

func (h *harness) save(t *testing.T, def *schema.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, h.store.CreateWorkflow(context.Background(), def))
}

func (h *harness) start(t *testing.T, workflowID string, payload any) *schema.Execution {
	t.Helper()
	exec, err := h.engine.Start(context.Background(), StartRequest{
		WorkflowID: workflowID,
		Source:     schema.TriggerManual,
		Payload:    payload,
	})
	require.NoError(t, err)
	return exec
}

func (h *harness) results(t *testing.T, executionID string) []*schema.StepResult {
	t.Helper()
	res, err := h.engine.ListStepResults(context.Background(), executionID)
	require.NoError(t, err)
	return res
}

func (h *harness) pendingRequest(t *testing.T, executionID string) *schema.ApprovalRequest {
	t.Helper()
	reqs, err := h.store.ListApprovals(context.Background(), store.ApprovalFilter{
		ExecutionID: executionID,
		Status:      schema.ApprovalPending,
	})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	return reqs[0]
}

func statuses(results []*schema.StepResult) map[string]schema.StepStatus {
	out := make(map[string]schema.StepStatus, len(results))
	for _, r := range results {
		out[r.StepID] = r.Status
	}
	return out
}

func order(results []*schema.StepResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.StepID
	}
	return out
}

func st(id string, typ schema.StepType, config string) schema.Step {
	s := schema.Step{ID: id, Type: typ, Label: id}
	if config != "" {
		s.Config = json.RawMessage(config)
	}
	return s
}

func ed(src, dst, handle string) schema.Edge {
	return schema.Edge{ID: src + "->" + dst + ":" + handle, Source: src, Target: dst, SourceHandle: handle}
}

func workflow(id string, steps []schema.Step, edges []schema.Edge) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:          id,
		Name:        id,
		IsActive:    true,
		TriggerType: schema.TriggerManual,
		Steps:       steps,
		Edges:       edges,
	}
}

// searchWorkflow is trigger -> search -> condition -> found | none.
func searchWorkflow(id string) *schema.WorkflowDefinition {
	return workflow(id,
		[]schema.Step{
			st("start", schema.StepTypeTrigger, ""),
			st("search", schema.StepTypeSearch, `{"query":"{{trigger.q}}"}`),
			st("check", schema.StepTypeCondition, `{"expression":"result.count > 0"}`),
			st("found", schema.StepTypeOutput, `{"value":"found"}`),
			st("none", schema.StepTypeOutput, `{"value":"not found"}`),
		},
		[]schema.Edge{
			ed("start", "search", ""),
			ed("search", "check", ""),
			ed("check", "found", schema.HandleTrue),
			ed("check", "none", schema.HandleFalse),
		})
}

// approvalWorkflow is trigger -> gate (1h) -> done. Each extra handle adds
// an output step of the same name reached through that handle.
func approvalWorkflow(id string, handles ...string) *schema.WorkflowDefinition {
	steps := []schema.Step{
		st("start", schema.StepTypeTrigger, ""),
		st("gate", schema.StepTypeApproval, `{"message":"Publish {{trigger.title}}?","timeout":"1h"}`),
		st("done", schema.StepTypeOutput, `{"value":{"decision":"{{gate.decision}}","notes":"{{gate.notes}}"}}`),
	}
	edges := []schema.Edge{
		ed("start", "gate", ""),
		ed("gate", "done", ""),
	}
	for _, h := range handles {
		steps = append(steps, st(h, schema.StepTypeOutput, `{"value":"`+h+` path"}`))
		edges = append(edges, ed("gate", h, h))
	}
	return workflow(id, steps, edges)
}

func searcher(results ...actions.SearchResult) *actions.Services {
	return &actions.Services{
		Searcher: actions.SearcherFunc(func(_ context.Context, _ string, _ int) ([]actions.SearchResult, error) {
			return results, nil
		}),
	}
}
