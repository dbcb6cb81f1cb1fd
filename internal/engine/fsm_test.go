package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/pkg/schema"
)

// failingEvents wraps a store and refuses every event append.
type failingEvents struct{ *store.MemoryStore }

func (failingEvents) AppendEvent(context.Context, *schema.Event) error {
	return errors.New("store unavailable")
}

func seedExecution(t *testing.T, s *store.MemoryStore, id string) {
	t.Helper()
	require.NoError(t, s.CreateExecution(context.Background(), &schema.Execution{
		ID: id, WorkflowID: "wf", Status: schema.ExecutionPending, StartedAt: epoch,
	}))
}

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	s := store.NewMemoryStore()
	fsm := NewExecutionFSM(s, s, func() time.Time { return epoch })
	ctx := context.Background()
	seedExecution(t, s, "exec-1")

	steps := []struct {
		from []schema.ExecutionStatus
		to   schema.ExecutionStatus
	}{
		{[]schema.ExecutionStatus{schema.ExecutionPending}, schema.ExecutionRunning},
		{running, schema.ExecutionWaitingApproval},
		{waiting, schema.ExecutionRunning},
		{running, schema.ExecutionCompleted},
	}
	for _, step := range steps {
		require.NoError(t, fsm.Transition(ctx, "exec-1", step.from, store.ExecutionUpdate{Status: step.to}, nil))
	}

	exec, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	assert.True(t, exec.CompletedAt.Equal(epoch))

	events, err := s.GetEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventExecutionSuspended,
		schema.EventExecutionResumed,
		schema.EventExecutionCompleted,
	}, types)
}

func TestExecutionFSM_InvalidTransition(t *testing.T) {
	s := store.NewMemoryStore()
	fsm := NewExecutionFSM(s, s, nil)
	seedExecution(t, s, "exec-1")

	tests := []struct {
		name string
		from schema.ExecutionStatus
		to   schema.ExecutionStatus
	}{
		{"pending to waiting", schema.ExecutionPending, schema.ExecutionWaitingApproval},
		{"completed is terminal", schema.ExecutionCompleted, schema.ExecutionRunning},
		{"cancelled is terminal", schema.ExecutionCancelled, schema.ExecutionFailed},
		{"waiting cannot complete", schema.ExecutionWaitingApproval, schema.ExecutionCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fsm.Transition(context.Background(), "exec-1",
				[]schema.ExecutionStatus{tt.from}, store.ExecutionUpdate{Status: tt.to}, nil)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
		})
	}
}

func TestExecutionFSM_CompareAndSwap(t *testing.T) {
	s := store.NewMemoryStore()
	fsm := NewExecutionFSM(s, s, nil)
	ctx := context.Background()
	seedExecution(t, s, "exec-1")

	require.NoError(t, fsm.Transition(ctx, "exec-1", nonTerminal,
		store.ExecutionUpdate{Status: schema.ExecutionCancelled}, map[string]any{"reason": "test"}))

	err := fsm.Transition(ctx, "exec-1", []schema.ExecutionStatus{schema.ExecutionPending},
		store.ExecutionUpdate{Status: schema.ExecutionRunning}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	events, err := s.GetEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"reason":"test"}`, string(events[0].Payload))
}

func TestExecutionFSM_Hooks(t *testing.T) {
	s := store.NewMemoryStore()
	fsm := NewExecutionFSM(s, s, nil)
	seedExecution(t, s, "exec-1")

	var seen []string
	fsm.OnAfter(schema.ExecutionRunning, func(_ context.Context, id, to string) {
		seen = append(seen, id+":"+to)
	})
	fsm.OnAfter(schema.ExecutionFailed, func(_ context.Context, id, to string) {
		seen = append(seen, id+":"+to)
	})

	ctx := context.Background()
	require.NoError(t, fsm.Transition(ctx, "exec-1", []schema.ExecutionStatus{schema.ExecutionPending},
		store.ExecutionUpdate{Status: schema.ExecutionRunning}, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1", running,
		store.ExecutionUpdate{Status: schema.ExecutionFailed}, nil))

	assert.Equal(t, []string{"exec-1:running", "exec-1:failed"}, seen)
}

func TestExecutionFSM_EventFailure(t *testing.T) {
	s := store.NewMemoryStore()
	fsm := NewExecutionFSM(s, failingEvents{s}, nil)
	seedExecution(t, s, "exec-1")

	err := fsm.Transition(context.Background(), "exec-1", []schema.ExecutionStatus{schema.ExecutionPending},
		store.ExecutionUpdate{Status: schema.ExecutionRunning}, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestApprovalFSM_Resolve(t *testing.T) {
	s := store.NewMemoryStore()
	fsm := NewApprovalFSM(s, s, nil)
	ctx := context.Background()

	req := &schema.ApprovalRequest{
		ID: "req-1", ExecutionID: "exec-1", WorkflowID: "wf", StepID: "gate",
		Status: schema.ApprovalPending, RequestedAt: epoch, TimeoutAt: epoch.Add(time.Hour),
	}
	require.NoError(t, s.CreateApprovalRequest(ctx, req))

	var resolved []string
	fsm.OnAfter(schema.ApprovalApproved, func(_ context.Context, id, to string) {
		resolved = append(resolved, id+":"+to)
	})

	res := store.Resolution{Status: schema.ApprovalApproved, ResponderID: "alice", RespondedAt: epoch}
	require.NoError(t, fsm.Resolve(ctx, req, res))
	assert.Equal(t, schema.ApprovalApproved, req.Status)
	assert.Equal(t, "alice", req.ResponderID)
	assert.Equal(t, []string{"req-1:approved"}, resolved)

	fresh := *req
	fresh.Status = schema.ApprovalPending
	err := fsm.Resolve(ctx, &fresh, store.Resolution{Status: schema.ApprovalExpired, RespondedAt: epoch})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	err = fsm.Resolve(ctx, req, store.Resolution{Status: schema.ApprovalPending})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	events, err := s.GetEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventApprovalResolved, events[0].Type)
	assert.Equal(t, "gate", events[0].StepID)
}
