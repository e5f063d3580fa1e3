// Package mcp exposes the sagaflow engine as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/sagaflow/internal/engine"
	"github.com/rendis/sagaflow/internal/flows"
	"github.com/rendis/sagaflow/internal/operations"
	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/pkg/schema"
)

// Engine is the part of *engine.Engine the tools call.
type Engine interface {
	Start(ctx context.Context, name string, input any) (*engine.StartResult, error)
	Signal(ctx context.Context, tokenID string, outcome schema.Outcome) (*engine.SignalResult, error)
	Cancel(ctx context.Context, runID string, opts engine.CancelOptions) (*engine.CancelResult, error)
	Status(ctx context.Context, runID string) (*store.Run, error)
	Events(ctx context.Context, runID string, since int64) ([]*store.Event, error)
	Timeline(ctx context.Context, runID string) (*store.Timeline, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
}

// FlowRegistry defines and lists JSON flows. Satisfied by *flows.Registry.
type FlowRegistry interface {
	Define(ctx context.Context, raw json.RawMessage) (*flows.DefineResult, error)
	List(ctx context.Context) ([]*store.Flow, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine     Engine
	Flows      FlowRegistry
	Workflows  func() []string
	Operations func() []operations.Info
	// Definitions resolves workflow definitions for sagaflow.diagram.
	Definitions func(name string) (*engine.WorkflowDefinition, error)
	// Notifier, when set, is attached to the server so runs started through
	// sagaflow.start report their outcome to the starting session.
	Notifier *RunNotifier
	Logger   *slog.Logger
}

// Server wraps an MCP server with the sagaflow tool handlers.
type Server struct {
	engine      Engine
	flows       FlowRegistry
	workflows   func() []string
	operations  func() []operations.Info
	definitions func(name string) (*engine.WorkflowDefinition, error)
	notifier    *RunNotifier
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine:      deps.Engine,
		flows:       deps.Flows,
		workflows:   deps.Workflows,
		operations:  deps.Operations,
		definitions: deps.Definitions,
		notifier:    deps.Notifier,
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"sagaflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Sagaflow runs saga workflows. Use sagaflow.start to run a workflow, sagaflow.signal to resolve a suspension token, sagaflow.cancel to stop a suspended run, sagaflow.status to inspect a run, sagaflow.define to register a JSON flow, sagaflow.query to list runs, events, timelines, flows, workflows and operations, and sagaflow.diagram to draw a workflow or run."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	if s.notifier != nil {
		s.notifier.Attach(mcpSrv)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: signalTool(), Handler: s.handleSignal},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("sagaflow.start",
		mcp.WithDescription("Start a run of a registered workflow"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the workflow to run")),
		mcp.WithObject("input", mcp.Description("Run input, validated against the workflow's input schema")),
	)
}

func signalTool() mcp.Tool {
	return mcp.NewTool("sagaflow.signal",
		mcp.WithDescription("Resolve a suspension token with an outcome"),
		mcp.WithString("token_id", mcp.Required(), mcp.Description("Token issued when the run suspended")),
		mcp.WithBoolean("success", mcp.Description("Whether the awaited work succeeded (default: true)")),
		mcp.WithObject("output", mcp.Description("Output recorded for the suspended step on success")),
		mcp.WithString("error", mcp.Description("Failure reason when success is false")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("sagaflow.cancel",
		mcp.WithDescription("Cancel a suspended run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
		mcp.WithBoolean("skip_compensation", mcp.Description("Fail the run without compensating completed steps")),
		mcp.WithString("reason", mcp.Description("Recorded as the run's error message")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("sagaflow.status",
		mcp.WithDescription("Get a run's status, data chain and error"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("sagaflow.define",
		mcp.WithDescription("Register a JSON flow as a new version of an operation-only workflow"),
		mcp.WithObject("flow", mcp.Required(), mcp.Description("Flow document: name, steps[{id, operation, options, next, branches, async}]")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("sagaflow.query",
		mcp.WithDescription("Query runs, events, timelines, flows, workflows or operations"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "timeline", "flows", "workflows", "operations"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (run_id, status, workflow, since, limit)")),
	)
}
