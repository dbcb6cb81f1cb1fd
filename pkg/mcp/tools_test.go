package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/steps"
	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/internal/trigger"
	"github.com/rendis/flowgate/internal/validation"
	"github.com/rendis/flowgate/pkg/schema"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]map[string]any
}

func (n *recordingNotifier) Notify(_ context.Context, agentID string, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[agentID] = append(n.sent[agentID], data)
	return nil
}

func newTestServer(t *testing.T) (*FlowgateServer, *store.MemoryStore, *recordingNotifier) {
	t.Helper()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	v, err := validation.NewWorkflowValidator(engines)
	require.NoError(t, err)

	s := store.NewMemoryStore()
	eng := engine.New(s, steps.NewDispatcher(nil, engines), engine.Config{PoolSize: 2})
	t.Cleanup(eng.Shutdown)

	srv := NewFlowgateServer(FlowgateServerDeps{
		Engine:    eng,
		Triggers:  trigger.NewDispatcher(s, s, eng, nil),
		Store:     s,
		Validator: v,
	})
	n := &recordingNotifier{sent: map[string][]map[string]any{}}
	srv.notifier = n
	return srv, s, n
}

func gatedWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "publish", Name: "publish", TriggerType: schema.TriggerManual,
		Steps: []schema.Step{
			{ID: "start", Type: schema.StepTypeTrigger},
			{ID: "gate", Type: schema.StepTypeApproval, Config: json.RawMessage(`{"message":"Publish {{trigger.title}}?"}`)},
			{ID: "done", Type: schema.StepTypeOutput, Config: json.RawMessage(`{"value":"{{gate.decision}}"}`)},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "gate"},
			{ID: "e2", Source: "gate", Target: "done"},
		},
	}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.False(t, result.IsError, extractText(t, result))
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

func runTrigger(t *testing.T, s *FlowgateServer, args map[string]any) map[string]any {
	t.Helper()
	result, err := s.handleTrigger(context.Background(), buildRequest("flowgate.trigger", args))
	require.NoError(t, err)
	var out map[string]any
	unmarshalResult(t, result, &out)
	return out
}

func TestToolRegistration(t *testing.T) {
	s, _, _ := newTestServer(t)

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)
	for _, name := range []string{"flowgate.trigger", "flowgate.status", "flowgate.respond", "flowgate.cancel", "flowgate.validate", "flowgate.diagram"} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestTriggerRespondAndStatus(t *testing.T) {
	s, ms, notes := newTestServer(t)
	require.NoError(t, ms.CreateWorkflow(context.Background(), gatedWorkflow()))

	started := runTrigger(t, s, map[string]any{
		"workflow_id": "publish",
		"payload":     map[string]any{"title": "Q3 report"},
		"agent_id":    "agent-1",
	})
	assert.Equal(t, string(schema.ExecutionWaitingApproval), started["status"])
	execID := started["execution_id"].(string)

	result, err := s.handleStatus(context.Background(), buildRequest("flowgate.status", map[string]any{"execution_id": execID}))
	require.NoError(t, err)
	var status struct {
		Execution schema.Execution         `json:"execution"`
		Approvals []schema.ApprovalRequest `json:"approvals"`
		Events    []schema.Event           `json:"events"`
		Warning   string                   `json:"warning"`
	}
	unmarshalResult(t, result, &status)
	require.Len(t, status.Approvals, 1)
	assert.Equal(t, "Publish Q3 report?", status.Approvals[0].Message)
	assert.NotEmpty(t, status.Events)
	assert.Empty(t, status.Warning)

	result, err = s.handleRespond(context.Background(), buildRequest("flowgate.respond", map[string]any{
		"request_id":   status.Approvals[0].ID,
		"decision":     "approve",
		"responder_id": "ops",
	}))
	require.NoError(t, err)
	var resp map[string]any
	unmarshalResult(t, result, &resp)
	assert.Equal(t, string(schema.ExecutionCompleted), resp["status"])

	require.Len(t, notes.sent["agent-1"], 1)
	assert.Equal(t, schema.ExecutionCompleted, notes.sent["agent-1"][0]["status"])

	result, err = s.handleRespond(context.Background(), buildRequest("flowgate.respond", map[string]any{
		"request_id":   status.Approvals[0].ID,
		"decision":     "reject",
		"responder_id": "ops",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeConflict)
}

func TestRespondFollowsUnfinishedExecution(t *testing.T) {
	s, ms, notes := newTestServer(t)
	def := gatedWorkflow()
	def.Steps = append(def.Steps, schema.Step{ID: "second", Type: schema.StepTypeApproval, Config: json.RawMessage(`{"message":"Really?"}`)})
	def.Edges[1] = schema.Edge{ID: "e2", Source: "gate", Target: "second"}
	def.Edges = append(def.Edges, schema.Edge{ID: "e3", Source: "second", Target: "done"})
	require.NoError(t, ms.CreateWorkflow(context.Background(), def))

	started := runTrigger(t, s, map[string]any{
		"workflow_id": "publish",
		"payload":     map[string]any{"title": "draft"},
		"agent_id":    "agent-1",
	})
	execID := started["execution_id"].(string)

	respond := func(responder string) map[string]any {
		t.Helper()
		reqs, err := ms.ListApprovals(context.Background(), store.ApprovalFilter{ExecutionID: execID, Status: schema.ApprovalPending})
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		result, err := s.handleRespond(context.Background(), buildRequest("flowgate.respond", map[string]any{
			"request_id":   reqs[0].ID,
			"decision":     "approve",
			"responder_id": responder,
		}))
		require.NoError(t, err)
		var out map[string]any
		unmarshalResult(t, result, &out)
		return out
	}

	assert.Equal(t, string(schema.ExecutionWaitingApproval), respond("ops")["status"])
	assert.Equal(t, string(schema.ExecutionCompleted), respond("lead")["status"])

	require.Len(t, notes.sent["ops"], 2)
	assert.Equal(t, schema.ExecutionWaitingApproval, notes.sent["ops"][0]["status"])
	assert.Equal(t, schema.ExecutionCompleted, notes.sent["ops"][1]["status"])
	assert.Len(t, notes.sent["agent-1"], 2)
	assert.Empty(t, notes.sent["lead"])
	assert.Empty(t, s.sessions.Watchers(execID))
}

func TestTriggerUnknownWorkflow(t *testing.T) {
	s, _, _ := newTestServer(t)

	result, err := s.handleTrigger(context.Background(), buildRequest("flowgate.trigger", map[string]any{"workflow_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)

	result, err = s.handleTrigger(context.Background(), buildRequest("flowgate.trigger", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancel(t *testing.T) {
	s, ms, notes := newTestServer(t)
	require.NoError(t, ms.CreateWorkflow(context.Background(), gatedWorkflow()))
	started := runTrigger(t, s, map[string]any{
		"workflow_id": "publish",
		"payload":     map[string]any{"title": "draft"},
		"agent_id":    "agent-1",
	})

	req := buildRequest("flowgate.cancel", map[string]any{"execution_id": started["execution_id"], "reason": "superseded"})
	result, err := s.handleCancel(context.Background(), req)
	require.NoError(t, err)
	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, string(schema.ExecutionCancelled), out["status"])
	assert.Len(t, notes.sent["agent-1"], 1)

	result, err = s.handleCancel(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestValidate(t *testing.T) {
	s, _, _ := newTestServer(t)

	raw, err := json.Marshal(gatedWorkflow())
	require.NoError(t, err)
	var def map[string]any
	require.NoError(t, json.Unmarshal(raw, &def))

	result, err := s.handleValidate(context.Background(), buildRequest("flowgate.validate", map[string]any{"definition": def}))
	require.NoError(t, err)
	var out struct {
		Valid  bool                                `json:"valid"`
		Errors []schema.ValidationIssue            `json:"errors"`
		ByStep map[string][]schema.ValidationIssue `json:"by_step"`
	}
	unmarshalResult(t, result, &out)
	assert.True(t, out.Valid, "%v", out.Errors)

	def["edges"] = append(def["edges"].([]any), map[string]any{"id": "loop", "source": "done", "target": "gate"})
	result, err = s.handleValidate(context.Background(), buildRequest("flowgate.validate", map[string]any{"definition": def}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	assert.False(t, out.Valid)
	assert.NotEmpty(t, out.Errors)
	assert.NotEmpty(t, out.ByStep["done"], "output step with an outgoing edge")

	result, err = s.handleValidate(context.Background(), buildRequest("flowgate.validate", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDiagram(t *testing.T) {
	s, ms, _ := newTestServer(t)
	require.NoError(t, ms.CreateWorkflow(context.Background(), gatedWorkflow()))

	result, err := s.handleDiagram(context.Background(), buildRequest("flowgate.diagram", map[string]any{"workflow_id": "publish"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "start --> gate")
	assert.NotContains(t, text, "class gate")

	started := runTrigger(t, s, map[string]any{"workflow_id": "publish", "payload": map[string]any{"title": "x"}})
	result, err = s.handleDiagram(context.Background(), buildRequest("flowgate.diagram", map[string]any{
		"execution_id": started["execution_id"],
	}))
	require.NoError(t, err)
	text = extractText(t, result)
	assert.Contains(t, text, "class start success")
	assert.Contains(t, text, "class gate waiting")

	result, err = s.handleDiagram(context.Background(), buildRequest("flowgate.diagram", map[string]any{"workflow_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
