package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowgate/internal/diagram"
	"github.com/rendis/flowgate/internal/logging"
	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/pkg/schema"
)

// handleTrigger starts a manual execution.
func (s *FlowgateServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	agentID := req.GetString("agent_id", "")
	payload := mcp.ParseStringMap(req, "payload", nil)

	if agentID != "" {
		s.captureSession(ctx, agentID)
	}

	exec, runErr := s.triggers.Manual(logging.WithWorkflowID(ctx, workflowID), workflowID, payload)
	if runErr != nil {
		return toolError("trigger failed", runErr), nil
	}
	if agentID != "" && !exec.Status.Terminal() {
		s.sessions.Watch(exec.ID, agentID)
	}

	return marshalResult(map[string]any{
		"execution_id": exec.ID,
		"status":       exec.Status,
		"output":       exec.Output,
		"error":        exec.Error,
	})
}

// handleStatus returns an execution with everything recorded about it.
func (s *FlowgateServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	since := mcp.ParseInt64(req, "events_since", 0)

	exec, err := s.engine.GetExecution(ctx, executionID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	results, err := s.engine.ListStepResults(ctx, executionID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	approvals, err := s.store.ListApprovals(ctx, store.ApprovalFilter{ExecutionID: executionID})
	if err != nil {
		return toolError("status query failed", err), nil
	}
	events, err := s.store.GetEvents(ctx, executionID, since)
	if err != nil {
		return toolError("status query failed", err), nil
	}

	out := map[string]any{
		"execution": exec,
		"steps":     results,
		"approvals": approvals,
		"events":    events,
	}
	// A full read doubles as an integrity check of the audit log.
	if since == 0 {
		if seqErr := store.CheckSequence(executionID, events); seqErr != nil {
			s.logger.WarnContext(ctx, "event log gap", "execution_id", executionID, "error", seqErr.Error())
			out["warning"] = seqErr.Error()
		}
	}
	return marshalResult(out)
}

// handleRespond resolves an approval request and reports where the
// execution ended up.
func (s *FlowgateServer) handleRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	responderID, err := req.RequireString("responder_id")
	if err != nil {
		return mcp.NewToolResultError("responder_id is required"), nil
	}
	s.captureSession(ctx, responderID)

	exec, respErr := s.engine.SubmitApprovalResponse(ctx, requestID,
		schema.ApprovalDecision(decision), responderID, req.GetString("notes", ""))
	if respErr != nil {
		return toolError("response rejected", respErr), nil
	}
	if !exec.Status.Terminal() {
		s.sessions.Watch(exec.ID, responderID)
	}
	s.notifyWatcher(ctx, exec)

	return marshalResult(map[string]any{
		"ok":           true,
		"request_id":   requestID,
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}

// handleCancel cancels an execution and any approval it waits on.
func (s *FlowgateServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled by agent")

	exec, cancelErr := s.engine.CancelExecution(ctx, executionID, reason)
	if cancelErr != nil {
		return toolError("cancel failed", cancelErr), nil
	}
	s.notifyWatcher(ctx, exec)

	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}

// handleValidate runs the full validation pipeline over a definition.
func (s *FlowgateServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Marshal then unmarshal the definition to get a proper WorkflowDefinition.
	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	result := s.validator.Validate(&def)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
		"by_step":  result.ByStep(),
	})
}

// handleDiagram renders a stored workflow, or the definition an execution
// ran with, as Mermaid.
func (s *FlowgateServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	executionID := req.GetString("execution_id", "")
	if workflowID == "" && executionID == "" {
		return mcp.NewToolResultError("workflow_id or execution_id is required"), nil
	}

	var (
		def     *schema.WorkflowDefinition
		results []*schema.StepResult
		err     error
	)
	if executionID != "" {
		exec, getErr := s.engine.GetExecution(ctx, executionID)
		if getErr != nil {
			return toolError("diagram failed", getErr), nil
		}
		if results, err = s.engine.ListStepResults(ctx, executionID); err != nil {
			return toolError("diagram failed", err), nil
		}
		def, workflowID = exec.Definition, exec.WorkflowID
	}
	if def == nil {
		if def, err = s.store.GetWorkflow(ctx, workflowID); err != nil {
			return toolError("diagram failed", err), nil
		}
	}

	model, err := diagram.Build(def, results)
	if err != nil {
		return toolError("diagram failed", err), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// --- Internal helpers ---

// notifyWatcher pushes the execution's status to every participant
// following it. Best-effort: failures are logged, never returned.
func (s *FlowgateServer) notifyWatcher(ctx context.Context, exec *schema.Execution) {
	watchers := s.sessions.Watchers(exec.ID)
	if exec.Status.Terminal() {
		s.sessions.Release(exec.ID)
	}
	for _, participant := range watchers {
		err := s.notifier.Notify(ctx, participant, map[string]any{
			"type":         "execution_status",
			"execution_id": exec.ID,
			"workflow_id":  exec.WorkflowID,
			"status":       exec.Status,
		})
		if err != nil {
			s.logger.WarnContext(ctx, "notify participant", "participant", participant, "error", err.Error())
		}
	}
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *FlowgateServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// toolError reports err with its flowgate code so agents can branch on it.
func toolError(prefix string, err error) *mcp.CallToolResult {
	d := schema.DetailOf(err)
	return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, d.Code, d.Message))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
