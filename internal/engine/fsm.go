package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/pkg/schema"
)

// TransitionHook is called after a transition has been persisted and its
// event emitted.
type TransitionHook func(ctx context.Context, id, to string)

// ExecutionTransitions defines the allowed state transitions for executions.
var ExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:         {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionRunning:         {schema.ExecutionWaitingApproval, schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionWaitingApproval: {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionCompleted:       {},
	schema.ExecutionFailed:          {},
	schema.ExecutionCancelled:       {},
}

// ApprovalTransitions defines the allowed state transitions for approval requests.
var ApprovalTransitions = map[schema.ApprovalStatus][]schema.ApprovalStatus{
	schema.ApprovalPending:  {schema.ApprovalApproved, schema.ApprovalRejected, schema.ApprovalExpired},
	schema.ApprovalApproved: {},
	schema.ApprovalRejected: {},
	schema.ApprovalExpired:  {},
}

// nonTerminal lists the execution states a cancellation may start from.
var nonTerminal = []schema.ExecutionStatus{
	schema.ExecutionPending, schema.ExecutionRunning, schema.ExecutionWaitingApproval,
}

// --- Execution FSM ---

// ExecutionFSM moves executions between states. Every transition is a
// compare-and-swap in the store, so a caller that lost a race (for example a
// step finishing after its execution was cancelled) gets a CONFLICT and
// writes nothing.
type ExecutionFSM struct {
	mu     sync.RWMutex
	store  store.ExecutionStore
	events *eventLog
	clock  func() time.Time
	after  map[schema.ExecutionStatus][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM persisting to execs and emitting events to events.
func NewExecutionFSM(execs store.ExecutionStore, events store.EventStore, clock func() time.Time) *ExecutionFSM {
	if clock == nil {
		clock = time.Now
	}
	return &ExecutionFSM{
		store:  execs,
		events: &eventLog{store: events, clock: clock},
		clock:  clock,
		after:  make(map[schema.ExecutionStatus][]TransitionHook),
	}
}

// OnAfter registers a hook called after any transition into to.
func (f *ExecutionFSM) OnAfter(to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[to] = append(f.after[to], hook)
}

// Transition moves execution id from one of the from states to
// update.Status. Terminal targets are stamped with a completion time.
// payload is attached to the emitted event.
func (f *ExecutionFSM) Transition(ctx context.Context, id string, from []schema.ExecutionStatus, update store.ExecutionUpdate, payload map[string]any) error {
	to := update.Status
	for _, s := range from {
		if !isValidExecutionTransition(s, to) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"invalid execution transition: %s -> %s", s, to).
				WithDetails(map[string]any{"execution_id": id, "from": string(s), "to": string(to)})
		}
	}

	if to.Terminal() && update.CompletedAt == nil {
		now := f.clock()
		update.CompletedAt = &now
	}
	if err := f.store.UpdateExecutionStatus(ctx, id, from, update); err != nil {
		return err
	}

	if typ := executionEventType(from, to); typ != "" {
		if err := f.events.emit(ctx, id, "", typ, payload); err != nil {
			return err
		}
	}

	f.mu.RLock()
	hooks := slices.Clone(f.after[to])
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, id, string(to))
	}
	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ExecutionTransitions[from], to)
}

func executionEventType(from []schema.ExecutionStatus, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		if slices.Equal(from, []schema.ExecutionStatus{schema.ExecutionWaitingApproval}) {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionWaitingApproval:
		return schema.EventExecutionSuspended
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// --- Approval FSM ---

// ApprovalFSM resolves approval requests. Only pending requests move, and
// the store guarantees exactly one resolver wins.
type ApprovalFSM struct {
	mu     sync.RWMutex
	store  store.ApprovalStore
	events *eventLog
	after  map[schema.ApprovalStatus][]TransitionHook
}

// NewApprovalFSM creates an ApprovalFSM persisting to approvals and emitting events to events.
func NewApprovalFSM(approvals store.ApprovalStore, events store.EventStore, clock func() time.Time) *ApprovalFSM {
	if clock == nil {
		clock = time.Now
	}
	return &ApprovalFSM{
		store:  approvals,
		events: &eventLog{store: events, clock: clock},
		after:  make(map[schema.ApprovalStatus][]TransitionHook),
	}
}

// OnAfter registers a hook called after a request resolves to to.
func (f *ApprovalFSM) OnAfter(to schema.ApprovalStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[to] = append(f.after[to], hook)
}

// Resolve moves req from pending to res.Status and updates req in place.
// A request resolved by someone else yields the store's CONFLICT.
func (f *ApprovalFSM) Resolve(ctx context.Context, req *schema.ApprovalRequest, res store.Resolution) error {
	if !slices.Contains(ApprovalTransitions[schema.ApprovalPending], res.Status) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid approval transition: pending -> %s", res.Status).
			WithStep(req.StepID).
			WithDetails(map[string]any{"request_id": req.ID})
	}
	if err := f.store.ResolveApprovalRequest(ctx, req.ID, res); err != nil {
		return err
	}

	respondedAt := res.RespondedAt
	req.Status = res.Status
	req.ResponderID = res.ResponderID
	req.Notes = res.Notes
	req.RespondedAt = &respondedAt

	typ := schema.EventApprovalResolved
	if res.Status == schema.ApprovalExpired {
		typ = schema.EventApprovalExpired
	}
	payload := map[string]any{"requestId": req.ID, "status": string(res.Status)}
	if res.ResponderID != "" {
		payload["responderId"] = res.ResponderID
	}
	if err := f.events.emit(ctx, req.ExecutionID, req.StepID, typ, payload); err != nil {
		return err
	}

	f.mu.RLock()
	hooks := slices.Clone(f.after[res.Status])
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, req.ID, string(res.Status))
	}
	return nil
}
