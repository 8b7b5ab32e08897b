// Package mcp exposes the governance engine as MCP tools so operators and
// remote engine hosts can drive actions over stdio or SSE.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/govflow/internal/actions"
	"github.com/rendis/govflow/internal/definition"
	"github.com/rendis/govflow/internal/engine"
	"github.com/rendis/govflow/internal/logging"
	"github.com/rendis/govflow/internal/scheduler"
	"github.com/rendis/govflow/internal/store"
)

// ServerDeps holds the collaborators of a Server. Only Engine is required;
// tools whose collaborator is nil report an error when called.
type ServerDeps struct {
	Engine    engine.Engine
	Loader    *definition.Loader
	Registry  *actions.Registry
	Scheduler *scheduler.Scheduler
	Events    store.EventReader
	Logger    *slog.Logger
}

// Server wraps an MCP server with the govflow tool handlers.
type Server struct {
	engine    engine.Engine
	loader    *definition.Loader
	registry  *actions.Registry
	scheduler *scheduler.Scheduler
	events    store.EventReader
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		engine:    deps.Engine,
		loader:    deps.Loader,
		registry:  deps.Registry,
		scheduler: deps.Scheduler,
		events:    deps.Events,
		sessions:  NewSessionRegistry(),
		logger:    logging.OrDefault(deps.Logger),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"govflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("govflow schedules and tracks governance engine actions. "+
			"Use govflow.define to load process definitions, govflow.initiate to start a process, "+
			"govflow.claim, govflow.update_status and govflow.complete to execute actions as a worker, "+
			"and govflow.query to inspect actions, history and executors."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSE returns an SSE transport for the server. Workers connected over SSE
// receive approved-action notifications once they have called a tool with
// their worker_id.
func (s *Server) SSE(baseURL string) *server.SSEServer {
	return server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the worker to session map used for notifications.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: initiateTool(), Handler: s.handleInitiate},
		{Tool: createActionTool(), Handler: s.handleCreateAction},
		{Tool: prepareTool(), Handler: s.handlePrepare},
		{Tool: claimTool(), Handler: s.handleClaim},
		{Tool: updateStatusTool(), Handler: s.handleUpdateStatus},
		{Tool: completeTool(), Handler: s.handleComplete},
		{Tool: updateTargetTool(), Handler: s.handleUpdateTarget},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("govflow.define",
		mcp.WithDescription("Validate and load a process definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Process document: name, first_step, steps and edges")),
		mcp.WithBoolean("dry_run", mcp.Description("Only validate, do not store (default: false)")),
	)
}

func initiateTool() mcp.Tool {
	return mcp.NewTool("govflow.initiate",
		mcp.WithDescription("Start a new instance of a process at its first step"),
		mcp.WithString("process_name", mcp.Required(), mcp.Description("Qualified name of the process")),
		mcp.WithObject("parameters", mcp.Description("String parameters laid over the first step's executor parameters")),
		mcp.WithArray("sources", mcp.Description("Request sources: objects with source_name and element_guid")),
		mcp.WithArray("targets", mcp.Description("Action targets: objects with target_name and element_guid")),
		mcp.WithString("originator", mcp.Description("Who requested the process")),
	)
}

func createActionTool() mcp.Tool {
	return mcp.NewTool("govflow.create_action",
		mcp.WithDescription("Create a standalone engine action bound to an executor"),
		mcp.WithString("qualified_name", mcp.Required(), mcp.Description("Base of the action qualified name")),
		mcp.WithString("engine_name", mcp.Required(), mcp.Description("Governance engine that runs the action")),
		mcp.WithString("request_type", mcp.Required(), mcp.Description("Request type of the executor")),
		mcp.WithObject("request_parameters", mcp.Description("String parameters for the executor")),
		mcp.WithArray("mandatory_guards", mcp.WithStringItems(), mcp.Description("Guards required before the action is approved")),
		mcp.WithArray("sources", mcp.Description("Request sources: objects with source_name and element_guid")),
		mcp.WithArray("targets", mcp.Description("Action targets: objects with target_name and element_guid")),
		mcp.WithString("start_time", mcp.Description("Earliest start, RFC 3339")),
		mcp.WithString("originator", mcp.Description("Who requested the action")),
	)
}

func prepareTool() mcp.Tool {
	return mcp.NewTool("govflow.prepare",
		mcp.WithDescription("Schedule an action for a process step"),
		mcp.WithString("process_name", mcp.Required(), mcp.Description("Qualified name of the process")),
		mcp.WithString("step_guid", mcp.Required(), mcp.Description("GUID of the step to schedule")),
		mcp.WithString("previous_action_guid", mcp.Description("Action whose completion triggered this step")),
		mcp.WithString("anchor_guid", mcp.Description("First action of the process instance")),
		mcp.WithString("trigger_guard", mcp.Description("Guard of the edge that fired")),
		mcp.WithBoolean("mandatory", mcp.Description("Whether the edge that fired is mandatory")),
		mcp.WithObject("parameters", mcp.Description("String parameters laid over the step's executor parameters")),
		mcp.WithString("originator", mcp.Description("Who requested the step")),
	)
}

func claimTool() mcp.Tool {
	return mcp.NewTool("govflow.claim",
		mcp.WithDescription("Claim an approved action for a worker"),
		mcp.WithString("action_guid", mcp.Required(), mcp.Description("Action to claim")),
		mcp.WithString("worker_id", mcp.Required(), mcp.Description("Claiming worker")),
	)
}

func updateStatusTool() mcp.Tool {
	return mcp.NewTool("govflow.update_status",
		mcp.WithDescription("Move an action along its lifecycle without fan-out"),
		mcp.WithString("action_guid", mcp.Required(), mcp.Description("Action to update")),
		mcp.WithString("worker_id", mcp.Description("Owning worker; empty only to retire an unclaimed action")),
		mcp.WithString("status", mcp.Required(),
			mcp.Enum("WAITING", "ACTIVATING", "IN_PROGRESS", "ACTIONED", "INVALID", "IGNORED", "FAILED"),
			mcp.Description("New status"),
		),
		mcp.WithString("message", mcp.Description("Completion or progress message")),
	)
}

func completeTool() mcp.Tool {
	return mcp.NewTool("govflow.complete",
		mcp.WithDescription("Record the terminal outcome of an owned action and schedule the steps its guards select"),
		mcp.WithString("action_guid", mcp.Required(), mcp.Description("Completed action")),
		mcp.WithString("worker_id", mcp.Required(), mcp.Description("Owning worker")),
		mcp.WithString("status", mcp.Required(),
			mcp.Enum("ACTIONED", "INVALID", "IGNORED", "FAILED"),
			mcp.Description("Terminal status"),
		),
		mcp.WithArray("guards", mcp.WithStringItems(), mcp.Description("Guards produced by the action")),
		mcp.WithObject("parameters", mcp.Description("String parameters passed to the scheduled successors")),
		mcp.WithArray("new_targets", mcp.Description("Targets discovered while running: objects with target_name and element_guid")),
		mcp.WithString("message", mcp.Description("Completion message")),
	)
}

func updateTargetTool() mcp.Tool {
	return mcp.NewTool("govflow.update_target",
		mcp.WithDescription("Report progress on one target of an owned action"),
		mcp.WithString("action_guid", mcp.Required(), mcp.Description("Owning action")),
		mcp.WithString("target_guid", mcp.Required(), mcp.Description("Target to update")),
		mcp.WithString("worker_id", mcp.Required(), mcp.Description("Owning worker")),
		mcp.WithString("status", mcp.Required(), mcp.Description("Target status")),
		mcp.WithString("completion_message", mcp.Description("Completion message")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("govflow.query",
		mcp.WithDescription("Query actions, history, events, executors or scheduled jobs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("action", "active", "claimed", "by_name", "by_substring", "history", "events", "executors", "jobs"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (action_guid, worker_id, name, fragment, engine_names, ready_only, process_name, since, limit)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("govflow.schedule",
		mcp.WithDescription("Manage cron schedules that initiate processes"),
		mcp.WithString("operation", mcp.Required(),
			mcp.Enum("create", "pause", "resume", "delete"),
			mcp.Description("Schedule operation"),
		),
		mcp.WithString("job_id", mcp.Description("Job to pause, resume or delete")),
		mcp.WithString("process_name", mcp.Description("Process to initiate (create)")),
		mcp.WithString("cron_expression", mcp.Description("Five-field cron expression or descriptor (create)")),
		mcp.WithObject("params", mcp.Description("String parameters for each initiation (create)")),
		mcp.WithString("requested_by", mcp.Description("Owner of the schedule (create)")),
	)
}
