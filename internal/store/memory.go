package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowgate/pkg/schema"
)

// MemoryStore is an in-process Store. Values are copied through JSON on the
// way in and out so callers never share memory with the store, matching
// what a round trip through LibSQLStore produces.
type MemoryStore struct {
	mu         sync.Mutex
	workflows  map[string]*schema.WorkflowDefinition
	executions map[string]*memExecution
	results    map[string][]*schema.StepResult
	approvals  map[string]*schema.ApprovalRequest
	events     map[string][]*schema.Event
	eventID    int64
	order      []string // workflow creation order
	secrets    map[string][]byte
}

type memExecution struct {
	exec *schema.Execution
	def  *schema.WorkflowDefinition
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*schema.WorkflowDefinition),
		executions: make(map[string]*memExecution),
		results:    make(map[string][]*schema.StepResult),
		approvals:  make(map[string]*schema.ApprovalRequest),
		events:     make(map[string][]*schema.Event),
		secrets:    make(map[string][]byte),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

// --- Workflows ---

func (m *MemoryStore) CreateWorkflow(_ context.Context, def *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workflows[def.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", def.ID)
	}
	if err := checkGraphUnique(def); err != nil {
		return err
	}
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	m.workflows[def.ID] = clone(def)
	m.order = append(m.order, def.ID)
	return nil
}

func checkGraphUnique(def *schema.WorkflowDefinition) error {
	seen := make(map[string]bool, len(def.Steps))
	for _, st := range def.Steps {
		if seen[st.ID] {
			return schema.NewErrorf(schema.ErrCodeConflict, "duplicate step id %q", st.ID).WithStep(st.ID)
		}
		seen[st.ID] = true
	}
	for i, e := range def.Edges {
		for _, prev := range def.Edges[:i] {
			if prev.SameConnection(e) {
				return duplicateEdge(e)
			}
		}
	}
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	return clone(def), nil
}

func (m *MemoryStore) UpdateWorkflow(_ context.Context, def *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.workflows[def.ID]
	if !ok {
		return storeNotFound("workflow", def.ID)
	}
	if err := checkGraphUnique(def); err != nil {
		return err
	}
	def.CreatedAt = cur.CreatedAt
	def.UpdatedAt = time.Now().UTC()
	m.workflows[def.ID] = clone(def)
	return nil
}

func (m *MemoryStore) SetWorkflowActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.workflows[id]
	if !ok {
		return storeNotFound("workflow", id)
	}
	def.IsActive = active
	def.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*schema.WorkflowDefinition
	for _, id := range m.order {
		def := m.workflows[id]
		if filter.TriggerType != "" && def.TriggerType != filter.TriggerType {
			continue
		}
		if filter.Active != nil && def.IsActive != *filter.Active {
			continue
		}
		out = append(out, clone(def))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListActiveScheduledWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	active := true
	return m.ListWorkflows(ctx, WorkflowFilter{TriggerType: schema.TriggerScheduled, Active: &active})
}

func (m *MemoryStore) AddEdge(_ context.Context, edge schema.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.workflows[edge.WorkflowID]
	if !ok {
		return storeNotFound("workflow", edge.WorkflowID)
	}
	for _, e := range def.Edges {
		if e.SameConnection(edge) {
			return duplicateEdge(edge)
		}
	}
	def.Edges = append(def.Edges, edge)
	def.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec *schema.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	exec.StartedAt = timeOrNow(exec.StartedAt)
	exec.UpdatedAt = timeOrNow(exec.UpdatedAt)
	m.executions[exec.ID] = &memExecution{exec: clone(exec), def: clone(exec.Definition)}
	return nil
}

func (m *MemoryStore) copyExecution(e *memExecution) *schema.Execution {
	out := clone(e.exec)
	out.Definition = clone(e.def)
	return out
}

func (m *MemoryStore) UpdateExecutionStatus(_ context.Context, id string, expected []schema.ExecutionStatus, update ExecutionUpdate) error {
	if len(expected) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "at least one expected status is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	match := false
	for _, st := range expected {
		if e.exec.Status == st {
			match = true
			break
		}
	}
	if !match {
		return statusConflict(id, e.exec.Status, update.Status)
	}

	e.exec.Status = update.Status
	e.exec.UpdatedAt = time.Now().UTC()
	if update.Output != nil {
		e.exec.Output = roundTrip(update.Output)
	}
	if update.Error != nil {
		e.exec.Error = clone(update.Error)
	}
	if update.WaitingStepID != nil {
		e.exec.WaitingStepID = *update.WaitingStepID
	}
	if update.CompletedAt != nil {
		t := update.CompletedAt.UTC()
		e.exec.CompletedAt = &t
	}
	return nil
}

func roundTrip(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

func (m *MemoryStore) SaveExecutionState(_ context.Context, id string, state map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if state == nil {
		e.exec.Context = nil
	} else {
		e.exec.Context = roundTrip(state).(map[string]any)
	}
	e.exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*schema.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return m.copyExecution(e), nil
}

func (m *MemoryStore) GetLastCompletedExecution(_ context.Context, workflowID string) (*schema.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *memExecution
	for _, e := range m.executions {
		if e.exec.WorkflowID != workflowID || e.exec.Status != schema.ExecutionCompleted || e.exec.CompletedAt == nil {
			continue
		}
		if best == nil || e.exec.CompletedAt.After(*best.exec.CompletedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	return m.copyExecution(best), nil
}

func (m *MemoryStore) GetLastExecution(_ context.Context, workflowID string) (*schema.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *memExecution
	for _, e := range m.executions {
		if e.exec.WorkflowID != workflowID {
			continue
		}
		if best == nil || e.exec.StartedAt.After(best.exec.StartedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	return m.copyExecution(best), nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*schema.Execution
	for _, e := range m.executions {
		if filter.WorkflowID != "" && e.exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && e.exec.Status != filter.Status {
			continue
		}
		out = append(out, m.copyExecution(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Step results ---

func (m *MemoryStore) AppendStepResult(_ context.Context, res *schema.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[res.ExecutionID]; !ok {
		return storeNotFound("execution", res.ExecutionID)
	}
	res.StartedAt = timeOrNow(res.StartedAt)
	res.CompletedAt = timeOrNow(res.CompletedAt)
	res.Seq = int64(len(m.results[res.ExecutionID]) + 1)
	m.results[res.ExecutionID] = append(m.results[res.ExecutionID], clone(res))
	return nil
}

func (m *MemoryStore) ListStepResults(_ context.Context, executionID string) ([]*schema.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.results[executionID]
	out := make([]*schema.StepResult, len(src))
	for i, r := range src {
		out[i] = clone(r)
	}
	return out, nil
}

// --- Approvals ---

func (m *MemoryStore) CreateApprovalRequest(_ context.Context, req *schema.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.approvals[req.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval request %q already exists", req.ID)
	}
	if req.Status == "" {
		req.Status = schema.ApprovalPending
	}
	req.RequestedAt = timeOrNow(req.RequestedAt)
	m.approvals[req.ID] = clone(req)
	return nil
}

func (m *MemoryStore) ResolveApprovalRequest(_ context.Context, id string, res Resolution) error {
	if res.Status == schema.ApprovalPending || res.Status == "" {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot resolve approval %q to %q", id, res.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.approvals[id]
	if !ok {
		return storeNotFound("approval request", id)
	}
	if req.Status != schema.ApprovalPending {
		return alreadyResolved(id, req.Status)
	}
	at := timeOrNow(res.RespondedAt)
	req.Status = res.Status
	req.ResponderID = res.ResponderID
	req.Notes = res.Notes
	req.RespondedAt = &at
	return nil
}

func (m *MemoryStore) ListExpiredPending(_ context.Context, now time.Time) ([]*schema.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*schema.ApprovalRequest
	for _, req := range m.approvals {
		if req.Status == schema.ApprovalPending && !req.TimeoutAt.After(now) {
			out = append(out, clone(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(out[j].TimeoutAt) })
	return out, nil
}

func (m *MemoryStore) GetApprovalRequest(_ context.Context, id string) (*schema.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.approvals[id]
	if !ok {
		return nil, storeNotFound("approval request", id)
	}
	return clone(req), nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*schema.ApprovalRequest
	for _, req := range m.approvals {
		if filter.ExecutionID != "" && req.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.WorkflowID != "" && req.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, clone(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.eventID++
	event.ID = m.eventID
	event.Sequence = int64(len(m.events[event.ExecutionID]) + 1)
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], clone(event))
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*schema.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*schema.Event
	for _, e := range m.events[executionID] {
		if e.Sequence > since {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

// --- Secrets ---

func (m *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.secrets[key]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(m.secrets, key)
	return nil
}

func (m *MemoryStore) ListSecrets(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.secrets))
	for k := range m.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ Store       = (*LibSQLStore)(nil)
	_ SecretStore = (*MemoryStore)(nil)
	_ SecretStore = (*LibSQLStore)(nil)
)
