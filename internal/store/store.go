package store

import (
	"context"
	"time"

	"github.com/rendis/flowgate/pkg/schema"
)

// DefinitionStore persists workflow definitions.
type DefinitionStore interface {
	CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	// UpdateWorkflow replaces the name, trigger, steps and edges of a definition.
	UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	SetWorkflowActive(ctx context.Context, id string, active bool) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error)
	ListActiveScheduledWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error)
	// AddEdge appends an edge. A duplicate (source, target, handles) is a CONFLICT.
	AddEdge(ctx context.Context, edge schema.Edge) error
}

// ExecutionStore persists executions and their step log.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *schema.Execution) error
	// AppendStepResult assigns the next sequence number and stores res.
	AppendStepResult(ctx context.Context, res *schema.StepResult) error
	// UpdateExecutionStatus applies update only while the execution is in one
	// of the expected statuses. A mismatch is a CONFLICT.
	UpdateExecutionStatus(ctx context.Context, id string, expected []schema.ExecutionStatus, update ExecutionUpdate) error
	SaveExecutionState(ctx context.Context, id string, state map[string]any) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	ListStepResults(ctx context.Context, executionID string) ([]*schema.StepResult, error)
	// GetLastCompletedExecution returns nil, nil when the workflow never completed.
	GetLastCompletedExecution(ctx context.Context, workflowID string) (*schema.Execution, error)
	// GetLastExecution returns nil, nil when the workflow never ran.
	GetLastExecution(ctx context.Context, workflowID string) (*schema.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	CreateApprovalRequest(ctx context.Context, req *schema.ApprovalRequest) error
	// ResolveApprovalRequest moves a pending request to res.Status. Exactly
	// one caller wins; the others get a CONFLICT.
	ResolveApprovalRequest(ctx context.Context, id string, res Resolution) error
	ListExpiredPending(ctx context.Context, now time.Time) ([]*schema.ApprovalRequest, error)
	GetApprovalRequest(ctx context.Context, id string) (*schema.ApprovalRequest, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error)
}

// EventStore is the append-only execution audit log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*schema.Event, error)
}

// SecretStore holds opaque, already encrypted secret values.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	DefinitionStore
	ExecutionStore
	ApprovalStore
	EventStore

	Migrate(ctx context.Context) error
	Close() error
}
