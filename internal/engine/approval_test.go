package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/internal/approval"
	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/steps"
	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/pkg/schema"
)

func TestApproval_SuspendsDurably(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, approvalWorkflow("wf-approve"))

	exec := h.start(t, "wf-approve", map[string]any{"title": "Q3 report"})

	assert.Equal(t, schema.ExecutionWaitingApproval, exec.Status)
	assert.Equal(t, "gate", exec.WaitingStepID)
	assert.Contains(t, exec.Context, "start")

	req := h.pendingRequest(t, exec.ID)
	assert.Equal(t, "gate", req.StepID)
	assert.Equal(t, "Publish Q3 report?", req.Message)
	assert.True(t, req.TimeoutAt.Equal(epoch.Add(time.Hour)))

	results := h.results(t, exec.ID)
	assert.Equal(t, []string{"start", "gate"}, order(results))
	assert.Equal(t, schema.StepWaitingApproval, results[1].Status)
	assert.Equal(t, req.ID, results[1].Output.(map[string]any)["requestId"])
}

func TestApproval_TimeoutSweepExpiresOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, approvalWorkflow("wf-approve"))
	exec := h.start(t, "wf-approve", map[string]any{"title": "x"})
	req := h.pendingRequest(t, exec.ID)

	ctx := context.Background()
	early, err := h.engine.ProcessApprovalTimeouts(ctx, epoch.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, early)

	first, err := h.engine.ProcessApprovalTimeouts(ctx, epoch.Add(61*time.Minute))
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, TimeoutResult{RequestID: req.ID, ExecutionID: exec.ID, Expired: true}, first[0])

	second, err := h.engine.ProcessApprovalTimeouts(ctx, epoch.Add(62*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, second)

	got, err := h.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, schema.ErrCodeApprovalExpired, got.Error.Code)
	assert.Equal(t, "gate", got.Error.StepID)

	stored, err := h.store.GetApprovalRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalExpired, stored.Status)
	assert.Equal(t, approval.SystemResponder, stored.ResponderID)

	_, err = h.engine.SubmitApprovalResponse(ctx, req.ID, schema.DecisionApprove, "alice", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	assert.Equal(t, 1, h.observer.approvals[schema.ApprovalExpired])
}

func TestApproval_ConcurrentSweepsExpireOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, approvalWorkflow("wf-approve"))
	exec := h.start(t, "wf-approve", map[string]any{"title": "x"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	expired := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := h.engine.ProcessApprovalTimeouts(context.Background(), epoch.Add(2*time.Hour))
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, r := range results {
				assert.Empty(t, r.Error)
				if r.Expired {
					expired++
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, expired)
	got, err := h.engine.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, got.Status)

	var gateResults int
	for _, r := range h.results(t, exec.ID) {
		if r.StepID == "gate" {
			gateResults++
		}
	}
	assert.Equal(t, 2, gateResults, "one waiting entry and one resolution entry")
}

func TestApproval_ApproveResumes(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, approvalWorkflow("wf-approve"))
	exec := h.start(t, "wf-approve", map[string]any{"title": "x"})
	req := h.pendingRequest(t, exec.ID)

	h.clock.Advance(10 * time.Minute)
	got, err := h.engine.SubmitApprovalResponse(context.Background(), req.ID, schema.DecisionApprove, "alice", "ship it")
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Empty(t, got.WaitingStepID)
	assert.Equal(t, map[string]any{"decision": "approved", "notes": "ship it"}, got.Output)

	results := h.results(t, exec.ID)
	assert.Equal(t, []string{"start", "gate", "gate", "done"}, order(results))
	gate := results[2].Output.(map[string]any)
	assert.Equal(t, "approved", gate["decision"])
	assert.Equal(t, "alice", gate["responderId"])

	_, err = h.engine.SubmitApprovalResponse(context.Background(), req.ID, schema.DecisionReject, "bob", "")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	assert.Contains(t, err.Error(), "already resolved")

	again, err := h.engine.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Output, again.Output)
	assert.Len(t, h.results(t, exec.ID), 4)
}

func TestApproval_ConcurrentResponsesOneWinner(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, approvalWorkflow("wf-approve"))
	exec := h.start(t, "wf-approve", map[string]any{"title": "x"})
	req := h.pendingRequest(t, exec.ID)

	const responders = 8
	var wg sync.WaitGroup
	errs := make([]error, responders)
	for i := 0; i < responders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := schema.DecisionApprove
			if i%2 == 1 {
				decision = schema.DecisionReject
			}
			_, errs[i] = h.engine.SubmitApprovalResponse(context.Background(), req.ID, decision, "user", "n")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)

	got, err := h.engine.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
}

func TestApproval_RejectWithoutEdgeFails(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, approvalWorkflow("wf-approve"))
	exec := h.start(t, "wf-approve", map[string]any{"title": "x"})
	req := h.pendingRequest(t, exec.ID)

	got, err := h.engine.SubmitApprovalResponse(context.Background(), req.ID, schema.DecisionReject, "bob", "too risky")
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Equal(t, schema.ErrCodeApprovalRejected, got.Error.Code)
	assert.Equal(t, "too risky", got.Error.Details["notes"])

	results := h.results(t, exec.ID)
	assert.Equal(t, []string{"start", "gate", "gate"}, order(results))
	assert.Equal(t, schema.StepError, results[2].Status)
}

func TestApproval_RejectFollowsRejectedEdge(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, approvalWorkflow("wf-approve", schema.HandleRejected))
	exec := h.start(t, "wf-approve", map[string]any{"title": "x"})
	req := h.pendingRequest(t, exec.ID)

	got, err := h.engine.SubmitApprovalResponse(context.Background(), req.ID, "rejected", "bob", "")
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Equal(t, "rejected path", got.Output)
	st := statuses(h.results(t, exec.ID))
	assert.NotContains(t, st, "done")
}

func TestApproval_TimeoutFollowsTimeoutEdge(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, approvalWorkflow("wf-approve", schema.HandleTimeout))
	exec := h.start(t, "wf-approve", map[string]any{"title": "x"})

	results, err := h.engine.ProcessApprovalTimeouts(context.Background(), epoch.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, results, 1)

	got, err := h.engine.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Equal(t, "timeout path", got.Output)
}

func TestApproval_ApproversEnforced(t *testing.T) {
	h := newHarness(t, nil)
	def := approvalWorkflow("wf-approve")
	def.Steps[1] = st("gate", schema.StepTypeApproval, `{"approvers":["alice"]}`)
	h.save(t, def)
	exec := h.start(t, "wf-approve", nil)
	req := h.pendingRequest(t, exec.ID)
	assert.True(t, req.TimeoutAt.Equal(epoch.Add(schema.DefaultApprovalTimeout)))

	_, err := h.engine.SubmitApprovalResponse(context.Background(), req.ID, schema.DecisionApprove, "mallory", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = h.engine.SubmitApprovalResponse(context.Background(), req.ID, "maybe", "alice", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	got, err := h.engine.SubmitApprovalResponse(context.Background(), req.ID, schema.DecisionApprove, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
}

func TestApproval_CancelExecutionWithdrawsRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, approvalWorkflow("wf-approve"))
	exec := h.start(t, "wf-approve", map[string]any{"title": "x"})
	req := h.pendingRequest(t, exec.ID)

	got, err := h.engine.CancelExecution(context.Background(), exec.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, got.Status)

	stored, err := h.store.GetApprovalRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalRejected, stored.Status)
	assert.Equal(t, approval.SystemResponder, stored.ResponderID)
	assert.Contains(t, stored.Notes, "no longer needed")

	_, err = h.engine.SubmitApprovalResponse(context.Background(), req.ID, schema.DecisionApprove, "alice", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	results, err := h.engine.ProcessApprovalTimeouts(context.Background(), epoch.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Len(t, h.results(t, exec.ID), 2)
}

func TestApproval_CancelApprovalRejectsExecution(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, approvalWorkflow("wf-approve"))
	exec := h.start(t, "wf-approve", map[string]any{"title": "x"})
	req := h.pendingRequest(t, exec.ID)

	require.NoError(t, h.engine.CancelApproval(context.Background(), req.ID, ""))

	got, err := h.engine.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Equal(t, schema.ErrCodeApprovalRejected, got.Error.Code)

	err = h.engine.CancelApproval(context.Background(), req.ID, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestApproval_DeactivateWorkflowCancelsWaiting(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, approvalWorkflow("wf-approve"))
	first := h.start(t, "wf-approve", map[string]any{"title": "a"})
	second := h.start(t, "wf-approve", map[string]any{"title": "b"})

	cancelled, err := h.engine.DeactivateWorkflow(context.Background(), "wf-approve")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, cancelled)

	def, err := h.store.GetWorkflow(context.Background(), "wf-approve")
	require.NoError(t, err)
	assert.False(t, def.IsActive)

	for _, id := range cancelled {
		got, err := h.engine.GetExecution(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, schema.ExecutionCancelled, got.Status)
	}
}

func TestApproval_ResumeUsesSnapshotDefinition(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, approvalWorkflow("wf-approve"))
	exec := h.start(t, "wf-approve", map[string]any{"title": "x"})
	req := h.pendingRequest(t, exec.ID)

	changed := approvalWorkflow("wf-approve")
	changed.Steps[2] = st("done", schema.StepTypeOutput, `{"value":"changed"}`)
	require.NoError(t, h.store.UpdateWorkflow(context.Background(), changed))

	got, err := h.engine.SubmitApprovalResponse(context.Background(), req.ID, schema.DecisionApprove, "alice", "fine")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"decision": "approved", "notes": "fine"}, got.Output)
}

func TestApproval_EventsRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, approvalWorkflow("wf-approve"))
	exec := h.start(t, "wf-approve", map[string]any{"title": "x"})
	req := h.pendingRequest(t, exec.ID)
	_, err := h.engine.SubmitApprovalResponse(context.Background(), req.ID, schema.DecisionApprove, "alice", "ok")
	require.NoError(t, err)

	events, err := h.engine.Events(context.Background(), exec.ID, 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventStepCompleted,
		schema.EventExecutionSuspended,
		schema.EventApprovalRequested,
		schema.EventApprovalResolved,
		schema.EventExecutionResumed,
		schema.EventStepCompleted,
		schema.EventStepCompleted,
		schema.EventExecutionCompleted,
	}, types)
}

// brokenAppendStore fails the next AppendStepResult once armed.
type brokenAppendStore struct {
	store.Store
	mu    sync.Mutex
	armed bool
}

func (s *brokenAppendStore) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

func (s *brokenAppendStore) AppendStepResult(ctx context.Context, res *schema.StepResult) error {
	s.mu.Lock()
	fail := s.armed
	s.armed = false
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Store.AppendStepResult(ctx, res)
}

func TestApproval_StoreFailureOnResumeFailsExecution(t *testing.T) {
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	clock := &testClock{now: epoch}
	s := &brokenAppendStore{Store: store.NewMemoryStore()}
	eng := New(s, steps.NewDispatcher(nil, engines), Config{PoolSize: 1, Clock: clock.Now})
	t.Cleanup(eng.Shutdown)

	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, approvalWorkflow("wf-approve")))
	exec, err := eng.Start(ctx, StartRequest{WorkflowID: "wf-approve", Payload: map[string]any{"title": "x"}})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionWaitingApproval, exec.Status)

	reqs, err := s.ListApprovals(ctx, store.ApprovalFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	s.arm()
	_, err = eng.SubmitApprovalResponse(ctx, reqs[0].ID, schema.DecisionApprove, "alice", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	got, err := eng.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, schema.ErrCodeStore, got.Error.Code)
	assert.Contains(t, got.Error.Cause, "disk full")

	_, err = eng.SubmitApprovalResponse(ctx, reqs[0].ID, schema.DecisionApprove, "alice", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestApproval_ResponseAfterDeadlineBeforeSweep(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, approvalWorkflow("wf-approve"))
	exec := h.start(t, "wf-approve", map[string]any{"title": "x"})
	req := h.pendingRequest(t, exec.ID)

	late := h.clock.Advance(90 * time.Minute)
	got, err := h.engine.SubmitApprovalResponse(context.Background(), req.ID, schema.DecisionApprove, "alice", "late")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)

	results, err := h.engine.ProcessApprovalTimeouts(context.Background(), late)
	require.NoError(t, err)
	assert.Empty(t, results)
}
