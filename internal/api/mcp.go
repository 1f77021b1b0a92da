package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/papermill/internal/storage"
	"github.com/kalambet/papermill/internal/supervisor"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     RunStore
	Batches   Batches // optional; if nil, batch tools return an error
	BatchSize int
	// BaseContext outlives tool calls; batches started over MCP run under it.
	BaseContext context.Context
	Sink        supervisor.Sink
}

func (d MCPDeps) app() AppDeps {
	ctx := d.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}
	return AppDeps{Store: d.Store, Batches: d.Batches, BatchSize: d.BatchSize, BaseContext: ctx, Sink: d.Sink}
}

// NewMCPServer creates an MCP server with all papermill tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"papermill",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("papermill drafts, compiles and publishes papers in supervised batches."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("start_batch",
			mcp.WithDescription("Start a supervised batch of pipeline runs in the background."),
			mcp.WithString("plan", mcp.Description(`Batch size ("3"), "continuous", or a schedule ("at 09:00,21:00")`)),
			mcp.WithNumber("size", mcp.Description("Units per batch for continuous and scheduled plans")),
			mcp.WithNumber("parallel", mcp.Description("Independent workers, one credential each (default 1)")),
		),
		mcpStartBatch(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_batch",
			mcp.WithDescription("Cancel the running batch. The unit in flight stops at its next step boundary and is recorded."),
		),
		mcpCancelBatch(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_run",
			mcp.WithDescription("Queue a failed run for retry from its retained document."),
			mcp.WithString("id", mcp.Description("Run ID"), mcp.Required()),
		),
		mcpRetryRun(deps),
	)

	s.AddTool(
		mcp.NewTool("list_runs",
			mcp.WithDescription("List recent run records, newest first."),
			mcp.WithString("status", mcp.Description("Filter by status: published, generation_failed, compile_failed, upload_failed")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
		),
		mcpListRuns(deps),
	)

	s.AddTool(
		mcp.NewTool("get_run",
			mcp.WithDescription("Get one run record including its retained document."),
			mcp.WithString("id", mcp.Description("Run ID"), mcp.Required()),
		),
		mcpGetRun(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"runs://recent",
			"Recent Runs",
			mcp.WithResourceDescription("Last 10 run records without documents"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpStartBatch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		plan, err := startBatch(deps.app(), StartBatchRequest{
			Plan:     req.GetString("plan", ""),
			Size:     req.GetInt("size", 0),
			Parallel: req.GetInt("parallel", 1),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start batch: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Started %s", plan)), nil
	}
}

func mcpCancelBatch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Batches == nil || !deps.Batches.Cancel() {
			return mcpText("No batch is running"), nil
		}
		return mcpText("Cancellation requested"), nil
	}
}

func mcpRetryRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		jobID, err := enqueueRetry(deps.Store, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return mcpError(fmt.Sprintf("run %s not found", id)), nil
		case errors.Is(err, errAlreadyPublished):
			return mcpError(fmt.Sprintf("run %s is already published", id)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("failed to enqueue retry: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued retry of run %s (job %s)", id, jobID)), nil
	}
}

func mcpListRuns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		runs, err := deps.Store.ListRuns(limit, req.GetString("status", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list runs: %v", err)), nil
		}

		views := make([]RunView, 0, len(runs))
		for _, r := range runs {
			views = append(views, NewRunView(r, false))
		}
		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal runs: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		run, err := deps.Store.GetRun(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("run %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get run: %v", err)), nil
		}

		b, err := json.Marshal(NewRunView(run, true))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal run: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Store.ListRuns(10, "")
		if err != nil {
			return nil, fmt.Errorf("failed to get recent runs: %w", err)
		}

		views := make([]RunView, 0, len(runs))
		for _, r := range runs {
			views = append(views, NewRunView(r, false))
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
