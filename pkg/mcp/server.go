// Package mcp exposes gantry's control surface as MCP tools over stdio, so
// LLM operators can supervise executions through the same processor the REST
// panel uses.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/gantry/internal/control"
	"github.com/rendis/gantry/internal/filter"
	"github.com/rendis/gantry/internal/source"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/internal/streaming"
	"github.com/rendis/gantry/internal/validation"
)

// GantryServerDeps holds the dependencies for creating a GantryServer.
type GantryServerDeps struct {
	Processor   *control.Processor
	Batch       *control.BatchExecutor
	Checkpoints *control.CheckpointManager
	Analyzer    *control.Analyzer
	Filters     *filter.Engines
	Validator   *validation.RequestValidator
	Store       store.Store
	Sources     *source.Registry
	Hub         streaming.EventHub
	Logger      *slog.Logger
}

// GantryServer wraps an MCP server with gantry-specific tool handlers.
type GantryServer struct {
	processor   *control.Processor
	batch       *control.BatchExecutor
	checkpoints *control.CheckpointManager
	analyzer    *control.Analyzer
	filters     *filter.Engines
	validator   *validation.RequestValidator
	payloads    *validation.PayloadValidator
	store       store.Store
	sources     *source.Registry
	hub         streaming.EventHub
	logger      *slog.Logger
	sessions    *SessionRegistry
	notifier    *MCPNotifier
	mcpServer   *server.MCPServer
}

// NewGantryServer creates a GantryServer with all tools registered.
func NewGantryServer(deps GantryServerDeps) *GantryServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	validator := deps.Validator
	if validator == nil {
		validator = validation.NewRequestValidator()
	}
	payloads, err := validation.NewPayloadValidator()
	if err != nil {
		// The embedded schema is a constant; a compile failure is a programming
		// error, but the tool surface still works without payload screening.
		logger.Error("payload validator unavailable", slog.String("error", err.Error()))
	}

	s := &GantryServer{
		processor:   deps.Processor,
		batch:       deps.Batch,
		checkpoints: deps.Checkpoints,
		analyzer:    deps.Analyzer,
		filters:     deps.Filters,
		validator:   validator,
		payloads:    payloads,
		store:       deps.Store,
		sources:     deps.Sources,
		hub:         deps.Hub,
		logger:      logger,
		sessions:    NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"gantry",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Gantry supervises workflow executions that run on an external engine. Use gantry.control to pause, resume, cancel, or retry an execution, gantry.batch for bulk actions, gantry.monitor to list tracked executions, gantry.track to inspect one execution, gantry.checkpoint to snapshot and rewind node state, gantry.analytics for post-mortem reports, gantry.diagram for graph renderings, and gantry.query for archived executions, operators, and the durable event log."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *GantryServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *GantryServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns the push notifier bound to this server's sessions.
func (s *GantryServer) Notifier() *MCPNotifier {
	return s.notifier
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *GantryServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: batchTool(), Handler: s.handleBatch},
		{Tool: trackTool(), Handler: s.handleTrack},
		{Tool: monitorTool(), Handler: s.handleMonitor},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: analyticsTool(), Handler: s.handleAnalytics},
		{Tool: checkpointTool(), Handler: s.handleCheckpoint},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func controlTool() mcp.Tool {
	return mcp.NewTool("gantry.control",
		mcp.WithDescription("Apply a control action to a tracked execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the target execution")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("pause", "resume", "stop", "cancel", "retry", "retry-from-node", "skip-node", "execute-partial"),
			mcp.Description("Control action to apply"),
		),
		mcp.WithObject("params", mcp.Description("Action parameters: reason/force for cancel, max_attempts/delay for retry, start_from_node for retry-from-node, node_id for skip-node, target_nodes for execute-partial")),
		mcp.WithString("operator_id", mcp.Required(), mcp.Description("ID of the operator issuing the action")),
	)
}

func batchTool() mcp.Tool {
	return mcp.NewTool("gantry.batch",
		mcp.WithDescription("Apply one control action to many executions"),
		mcp.WithArray("execution_ids", mcp.Required(), mcp.Description("IDs of the target executions (max 50)")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("pause", "resume", "stop", "cancel", "retry", "retry-from-node", "skip-node", "execute-partial"),
			mcp.Description("Control action to apply to every execution"),
		),
		mcp.WithObject("params", mcp.Description("Action parameters shared by all executions")),
		mcp.WithBoolean("continue_on_failure", mcp.Description("Keep going after a failed execution instead of halting (default: false)")),
		mcp.WithString("operator_id", mcp.Required(), mcp.Description("ID of the operator issuing the batch")),
	)
}

func trackTool() mcp.Tool {
	return mcp.NewTool("gantry.track",
		mcp.WithDescription("Track an execution and return its full control context"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to track")),
	)
}

func monitorTool() mcp.Tool {
	return mcp.NewTool("gantry.monitor",
		mcp.WithDescription("Snapshot tracked executions, optionally narrowed by id, state, and a filter expression"),
		mcp.WithArray("execution_ids", mcp.Description("Restrict to these execution IDs")),
		mcp.WithArray("states", mcp.Description("Restrict to these execution states")),
		mcp.WithString("filter", mcp.Description("Filter expression evaluated against each snapshot")),
		mcp.WithString("engine", mcp.Enum("cel", "expr", "jq"), mcp.Description("Filter expression language (default: cel)")),
		mcp.WithBoolean("include_history", mcp.Description("Include the control history in each snapshot")),
		mcp.WithBoolean("include_metrics", mcp.Description("Include execution metrics in each snapshot")),
		mcp.WithNumber("limit", mcp.Description("Maximum snapshots to return (default 50, max 100)")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("gantry.history",
		mcp.WithDescription("Return the control audit trail of one execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries to return, newest last")),
	)
}

func analyticsTool() mcp.Tool {
	return mcp.NewTool("gantry.analytics",
		mcp.WithDescription("Build a post-mortem analytics report for a terminal execution, optionally reshaped by a jq transform"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to analyze")),
		mcp.WithBoolean("performance", mcp.Description("Include node timing and critical path (default: true)")),
		mcp.WithBoolean("optimizations", mcp.Description("Include optimization suggestions (default: true)")),
		mcp.WithBoolean("errors", mcp.Description("Include failed-node analysis (default: true)")),
		mcp.WithString("transform", mcp.Description("jq expression applied to the JSON report")),
	)
}

func checkpointTool() mcp.Tool {
	return mcp.NewTool("gantry.checkpoint",
		mcp.WithDescription("Create, restore, or list execution checkpoints"),
		mcp.WithString("op", mcp.Required(),
			mcp.Enum("create", "restore", "list"),
			mcp.Description("Checkpoint operation"),
		),
		mcp.WithString("execution_id", mcp.Description("Execution ID (required for create and list)")),
		mcp.WithString("checkpoint_id", mcp.Description("Checkpoint ID (required for restore)")),
		mcp.WithString("description", mcp.Description("Free-form checkpoint description")),
		mcp.WithObject("metadata", mcp.Description("Arbitrary metadata stored with the checkpoint")),
		mcp.WithBoolean("preserve_progress", mcp.Description("On restore, keep node progress made after the checkpoint (default: false)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("gantry.diagram",
		mcp.WithDescription("Render the node graph of an execution. Returns ASCII art, Mermaid flowchart syntax, or a base64-encoded PNG image"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to render")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("gantry.query",
		mcp.WithDescription("Query archived executions, registered operators, execution sources, or the durable event log"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("archive", "operators", "events", "sources"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, state, limit, execution_id, since)")),
	)
}
