package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/internal/validation"
	"github.com/rendis/flowgate/pkg/schema"
)

// Engine is the part of the execution engine the tools drive.
type Engine interface {
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	ListStepResults(ctx context.Context, id string) ([]*schema.StepResult, error)
	CancelExecution(ctx context.Context, id, reason string) (*schema.Execution, error)
	SubmitApprovalResponse(ctx context.Context, requestID string, decision schema.ApprovalDecision, responderID, notes string) (*schema.Execution, error)
}

// Triggers starts manual executions.
type Triggers interface {
	Manual(ctx context.Context, workflowID string, payload any) (*schema.Execution, error)
}

// FlowgateServerDeps holds the dependencies for creating a FlowgateServer.
type FlowgateServerDeps struct {
	Engine    Engine
	Triggers  Triggers
	Store     store.Store
	Validator *validation.WorkflowValidator
	Logger    *slog.Logger
}

// FlowgateServer wraps an MCP server with flowgate-specific tool handlers.
type FlowgateServer struct {
	engine    Engine
	triggers  Triggers
	store     store.Store
	validator *validation.WorkflowValidator
	logger    *slog.Logger
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	notifier  AgentNotifier
}

// NewFlowgateServer creates a FlowgateServer with all tools registered.
func NewFlowgateServer(deps FlowgateServerDeps) *FlowgateServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowgateServer{
		engine:    deps.Engine,
		triggers:  deps.Triggers,
		store:     deps.Store,
		validator: deps.Validator,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"flowgate",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowgate runs workflow graphs with human approval gates. Use flowgate.trigger to start a workflow, flowgate.status to inspect an execution, flowgate.respond to approve or reject a pending approval, flowgate.cancel to stop an execution, flowgate.validate to check a definition before saving it, and flowgate.diagram to draw a workflow or execution as Mermaid."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowgateServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowgateServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowgateServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: respondTool(), Handler: s.handleRespond},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: validateTool(), Handler: s.handleValidate},
	}
}

// --- Tool definitions ---

func triggerTool() mcp.Tool {
	return mcp.NewTool("flowgate.trigger",
		mcp.WithDescription("Start a workflow execution with a manual trigger"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("payload", mcp.Description("Trigger payload, addressable as {{trigger.*}}")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent; it is notified when the execution leaves an approval gate")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowgate.status",
		mcp.WithDescription("Get an execution with its step log, approvals and events"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithNumber("events_since", mcp.Description("Only return events with a sequence above this value")),
	)
}

func respondTool() mcp.Tool {
	return mcp.NewTool("flowgate.respond",
		mcp.WithDescription("Approve or reject a pending approval request"),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("ID of the approval request")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "reject"),
			mcp.Description("Verdict on the request"),
		),
		mcp.WithString("responder_id", mcp.Required(), mcp.Description("Identity of the responder")),
		mcp.WithString("notes", mcp.Description("Response notes, available to later steps as {{<step>.notes}}")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flowgate.cancel",
		mcp.WithDescription("Cancel a running or waiting execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("reason", mcp.Description("Why the execution is cancelled")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flowgate.validate",
		mcp.WithDescription("Validate a workflow definition without saving it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object with steps and edges")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flowgate.diagram",
		mcp.WithDescription("Render a workflow graph as a Mermaid flowchart. With execution_id, steps are colored by their recorded outcome."),
		mcp.WithString("workflow_id", mcp.Description("Workflow to draw")),
		mcp.WithString("execution_id", mcp.Description("Execution whose step results are overlaid")),
	)
}
