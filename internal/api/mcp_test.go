package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/papermill/internal/recovery"
	"github.com/kalambet/papermill/internal/storage"
	"github.com/kalambet/papermill/internal/supervisor"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store, *mockBatches) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	batches := &mockBatches{}
	return MCPDeps{Store: store, Batches: batches, BatchSize: 2}, store, batches
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_StartBatch(t *testing.T) {
	deps, _, batches := newTestMCPDeps(t)
	handler := mcpStartBatch(deps)

	result, err := handler(context.Background(), makeCallToolRequest("start_batch", map[string]interface{}{
		"plan": "at 09:00",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if len(batches.started) != 1 || batches.started[0].Mode != supervisor.Scheduled || batches.started[0].Size != 2 {
		t.Fatalf("started = %+v", batches.started)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("start_batch", nil))
	if !result.IsError {
		t.Error("expected error while a batch is running")
	}
}

func TestMCPTool_CancelBatch(t *testing.T) {
	deps, _, batches := newTestMCPDeps(t)
	handler := mcpCancelBatch(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("cancel_batch", nil))
	if !strings.Contains(toolText(t, result), "No batch") {
		t.Errorf("idle cancel = %q", toolText(t, result))
	}

	batches.running = true
	result, _ = handler(context.Background(), makeCallToolRequest("cancel_batch", nil))
	if !strings.Contains(toolText(t, result), "Cancellation requested") {
		t.Errorf("cancel = %q", toolText(t, result))
	}
}

func TestMCPTool_RetryRun(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	seedRuns(t, store)
	handler := mcpRetryRun(deps)

	result, err := handler(context.Background(), makeCallToolRequest("retry_run", map[string]interface{}{"id": "run-bad"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if job, _ := store.ClaimNextJob([]string{recovery.JobType}); job == nil {
		t.Fatal("no retry job queued")
	}

	for _, id := range []string{"run-ok", "missing"} {
		result, _ := handler(context.Background(), makeCallToolRequest("retry_run", map[string]interface{}{"id": id}))
		if !result.IsError {
			t.Errorf("retry %s: expected error", id)
		}
	}

	result, _ = handler(context.Background(), makeCallToolRequest("retry_run", nil))
	if !result.IsError {
		t.Error("expected error without id")
	}
}

func TestMCPTool_ListRuns(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	seedRuns(t, store)
	handler := mcpListRuns(deps)

	result, err := handler(context.Background(), makeCallToolRequest("list_runs", map[string]interface{}{
		"status": "compile_failed",
		"limit":  500,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var runs []RunView
	if err := json.Unmarshal([]byte(toolText(t, result)), &runs); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-bad" {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestMCPTool_GetRun(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	seedRuns(t, store)
	handler := mcpGetRun(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("get_run", map[string]interface{}{"id": "run-bad"}))
	var run RunView
	if err := json.Unmarshal([]byte(toolText(t, result)), &run); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if run.Document == "" {
		t.Error("get_run should include the retained document")
	}

	result, _ = handler(context.Background(), makeCallToolRequest("get_run", map[string]interface{}{"id": "nope"}))
	if !result.IsError {
		t.Error("expected error for a missing run")
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	seedRuns(t, store)

	handler := mcpResourceRecent(deps)
	req := makeReadResourceRequest("runs://recent")
	contents, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if strings.Contains(tc.Text, `\documentclass`) {
		t.Error("recent runs must not include documents")
	}
	var runs []RunView
	if err := json.Unmarshal([]byte(tc.Text), &runs); err != nil {
		t.Fatalf("failed to parse resource: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs, want 2", len(runs))
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	seedRuns(t, store)

	listHandler := mcpListRuns(deps)
	retryHandler := mcpRetryRun(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := listHandler(context.Background(), makeCallToolRequest("list_runs", nil)); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("retry_run", map[string]interface{}{"id": "run-bad"})
			if _, err := retryHandler(context.Background(), req); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
