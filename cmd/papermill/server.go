package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/papermill/internal/api"
	"github.com/kalambet/papermill/internal/config"
	"github.com/kalambet/papermill/internal/storage"
	"github.com/kalambet/papermill/internal/supervisor"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the papermill server (foreground)",
	Long: `Start the papermill server in the foreground.

The server exposes the run log, retries and batch control over HTTP on
127.0.0.1. With --mcp the same operations are served as MCP tools on stdio.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running papermill server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show papermill server and batch status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "papermill.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(withMCP bool) error {
	fmt.Fprintln(os.Stderr, versionLine())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("papermill is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("papermill is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := supervisor.NewManager(a.pool, a.factory(), logger)
	sink := func(r storage.Run) {
		logger.Info("run recorded", "run", r.ID, "status", r.Status, "title", r.Title, "link", r.ArchiveLink)
	}

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:       a.store,
		Batches:     manager,
		Pool:        a.pool,
		Token:       apiToken,
		BatchSize:   cfg.Supervisor.BatchSize,
		BaseContext: ctx,
		Sink:        sink,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go a.newRecoveryWorker().Run(ctx)

	go func() {
		if err := a.watchCredentials(ctx); err != nil {
			logger.Warn("credentials watcher stopped", "path", cfg.KeysPath(), "error", err)
		}
	}()

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:       a.store,
			Batches:     manager,
			BatchSize:   cfg.Supervisor.BatchSize,
			BaseContext: ctx,
			Sink:        sink,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	if cfg.Supervisor.Schedule != "" {
		plan, err := supervisor.ParsePlan(cfg.Supervisor.Schedule, cfg.Supervisor.BatchSize)
		if err != nil {
			return fmt.Errorf("parsing supervisor.schedule: %w", err)
		}
		if err := manager.Start(ctx, plan, 1, sink); err != nil {
			return fmt.Errorf("starting scheduled batch: %w", err)
		}
		logger.Info("batch started from config", "plan", plan.String())
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "papermill listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	manager.Cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	if err := manager.Wait(); err != nil {
		logger.Warn("batch ended with error", "error", err)
	}
	return shutdownErr
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("papermill is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop papermill (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to papermill (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Provider", "%s (%s)", cfg.LLM.Provider, cfg.LLM.Model)
	printStatus("Compiler", "%s", cfg.Compiler.BaseURL)
	printStatus("Archive", "%s", cfg.Archive.BaseURL)

	if running {
		c, err := newAPIClient()
		if err == nil {
			if err := printServerStatus(ctx, c); err != nil {
				printWarning("could not read server status: %v", err)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// printServerStatus reports the batch and run counters served by /status.
func printServerStatus(ctx context.Context, c *apiClient) error {
	resp, err := c.get(ctx, "/status")
	if err != nil {
		return err
	}
	var st api.StatusView
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}

	batch := "idle"
	switch {
	case st.Batch.Running && st.Batch.Cancelled:
		batch = "cancelling"
	case st.Batch.Running:
		batch = "running " + st.Batch.Plan
	case st.Batch.HardStop:
		batch = "stopped: credential pool exhausted"
	}
	printStatus("Batch", "%s", batch)
	if !st.Batch.NextRun.IsZero() {
		printStatus("Next run", "%s", st.Batch.NextRun.Local().Format(time.DateTime))
	}
	if st.Batch.LastError != "" {
		printStatus("Last error", "%s", st.Batch.LastError)
	}
	printStatus("Credentials", "%d (cursor %d)", st.Pool.Size, st.Pool.Cursor)
	printStatus("Runs", "%s", formatCounts(st.Runs))
	return nil
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	var parts []string
	for _, status := range []string{
		storage.StatusPublished,
		storage.StatusGenerationFailed,
		storage.StatusCompileFailed,
		storage.StatusUploadFailed,
	} {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	return strings.Join(parts, ", ")
}
