package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/hookflow/internal/service"
)

// HookflowServerDeps holds the dependencies for creating a HookflowServer.
type HookflowServerDeps struct {
	Service *service.Service
	Logger  *slog.Logger
}

// HookflowServer wraps an MCP server with hookflow tool handlers.
type HookflowServer struct {
	svc       *service.Service
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewHookflowServer creates a HookflowServer with all 4 tools registered.
func NewHookflowServer(deps HookflowServerDeps) *HookflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &HookflowServer{svc: deps.Service, logger: logger}

	mcpSrv := server.NewMCPServer(
		"hookflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Hookflow runs event-triggered workflows against the platform API. Use hookflow.define to register a workflow, hookflow.trigger to emit an event, hookflow.logs to inspect what runs did and hookflow.stats for a workflow's counters."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *HookflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *HookflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *HookflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: statsTool(), Handler: s.handleStats},
		{Tool: logsTool(), Handler: s.handleLogs},
		{Tool: defineTool(), Handler: s.handleDefine},
	}
}

// --- Tool definitions ---

func triggerTool() mcp.Tool {
	return mcp.NewTool("hookflow.trigger",
		mcp.WithDescription("Emit a domain event to the workflows listening for it"),
		mcp.WithString("event_type", mcp.Required(), mcp.Description("Event type, e.g. asset__created")),
		mcp.WithString("object_id", mcp.Description("ID of the primary object")),
		mcp.WithString("object_type", mcp.Description("Primary object type (default: derived from event_type)")),
		mcp.WithObject("object", mcp.Description("Primary object carried inline")),
		mcp.WithObject("metadata", mcp.Description("Event metadata")),
		mcp.WithObject("changes_requested", mcp.Description("Accepted patch, for __updated events")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("hookflow.stats",
		mcp.WithDescription("Get the run counters of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func logsTool() mcp.Tool {
	return mcp.NewTool("hookflow.logs",
		mcp.WithDescription("List run log rows of a workflow or a run"),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID (one of workflow_id or run_id is required)")),
		mcp.WithString("run_id", mcp.Description("Run ID")),
		mcp.WithString("type", mcp.Description("Row type"),
			mcp.Enum("action", "skipped", "stopped", "preRunError", "runError", "notification"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum rows read from storage")),
		mcp.WithString("where", mcp.Description("expr boolean filter, e.g. statusCode >= 400")),
		mcp.WithString("jq", mcp.Description("jq program applied to the array of matching rows")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("hookflow.define",
		mcp.WithDescription("Validate and register a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (event, run, computed, context, notifyUrl)")),
	)
}
