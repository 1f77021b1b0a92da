package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/papermill/internal/api"
	"github.com/kalambet/papermill/internal/config"
	"github.com/kalambet/papermill/internal/credentials"
	"github.com/kalambet/papermill/internal/storage"
	"github.com/kalambet/papermill/internal/supervisor"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a supervised batch",
	Long: `Run a supervised batch of pipeline units.

Without --server the batch runs in this process. The first interrupt stops
the unit in flight at its next step boundary; a second one aborts.

Examples:
  papermill run --count 5
  papermill run --continuous --count 2
  papermill run --at 09:00,21:00 --parallel 3
  papermill run --topic "Adaptive retry policies" --server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		continuous, _ := cmd.Flags().GetBool("continuous")
		at, _ := cmd.Flags().GetString("at")
		parallel, _ := cmd.Flags().GetInt("parallel")
		topic, _ := cmd.Flags().GetString("topic")
		topicsFile, _ := cmd.Flags().GetString("topics-file")
		remote, _ := cmd.Flags().GetBool("server")

		spec, err := planSpec(count, continuous, at)
		if err != nil {
			return err
		}

		if remote {
			if topic != "" || topicsFile != "" {
				return errors.New("--topic and --topics-file apply to local runs; configure pipeline.topic on the server instead")
			}
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			return startRemoteBatch(cmd.Context(), client, api.StartBatchRequest{Plan: spec, Size: count, Parallel: parallel})
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if topic != "" {
			cfg.Pipeline.Topic = topic
			cfg.Pipeline.TopicsFile = ""
		}
		if topicsFile != "" {
			cfg.Pipeline.TopicsFile = topicsFile
		}
		size := count
		if size < 1 {
			size = cfg.Supervisor.BatchSize
		}
		plan, err := supervisor.ParsePlan(spec, size)
		if err != nil {
			return err
		}
		return runLocal(cmd.Context(), cfg, plan, parallel)
	},
}

func init() {
	runCmd.Flags().Int("count", 0, "units per batch (default supervisor.batch_size)")
	runCmd.Flags().Bool("continuous", false, "run batches back to back with a cooldown")
	runCmd.Flags().String("at", "", "run a batch at these local times, e.g. 09:00,21:00")
	runCmd.Flags().Int("parallel", 1, "independent workers, one credential each")
	runCmd.Flags().String("topic", "", "topic for every unit (overrides pipeline.topic)")
	runCmd.Flags().String("topics-file", "", "YAML file of topics to cycle through")
	runCmd.Flags().Bool("server", false, "start the batch on the running server")
	runCmd.MarkFlagsMutuallyExclusive("continuous", "at")
}

// planSpec turns the run flags into a plan string for supervisor.ParsePlan.
func planSpec(count int, continuous bool, at string) (string, error) {
	if count < 0 {
		return "", fmt.Errorf("--count must be positive, got %d", count)
	}
	switch {
	case continuous && at != "":
		return "", errors.New("--continuous and --at are mutually exclusive")
	case continuous:
		return "continuous", nil
	case at != "":
		return "at " + at, nil
	case count > 0:
		return strconv.Itoa(count), nil
	default:
		return "", nil
	}
}

func runLocal(ctx context.Context, cfg config.Config, plan supervisor.Plan, parallel int) error {
	logger := setupLogger(cfg.Log.Level)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	manager := supervisor.NewManager(a.pool, a.factory(), logger)
	if err := manager.Start(ctx, plan, parallel, printRecord); err != nil {
		return err
	}
	printStep("Started %s", plan)

	abort, cancelAbort := context.WithCancel(ctx)
	defer cancelAbort()
	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		select {
		case <-interrupts:
		case <-abort.Done():
			return
		}
		printWarning("Cancelling; the current unit stops at its next step (interrupt again to abort)")
		manager.Cancel()
		select {
		case <-interrupts:
			stop()
		case <-abort.Done():
		}
	}()

	err = manager.Wait()
	st := manager.Status()
	printStatus("Completed", "%d (%d published, %d failed)", st.Completed, st.Published, st.Failed)
	if errors.Is(err, supervisor.ErrHardStop) {
		printError("Every credential is exhausted; batch stopped")
	}
	return err
}

func printRecord(r storage.Run) {
	if r.Status == storage.StatusPublished {
		printSuccess("%s  %s", r.Title, r.ArchiveLink)
		return
	}
	printError("%s  %s: %s", shortID(r.ID), r.Status, r.Error)
}

func startRemoteBatch(ctx context.Context, client *apiClient, req api.StartBatchRequest) error {
	resp, err := client.post(ctx, "/batches", req)
	if err != nil {
		return err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			return fmt.Errorf("%w (use `papermill cancel` to stop it)", err)
		}
		return err
	}
	printSuccess("Started %s on the server", result["plan"])
	return nil
}

// --- cancel ---

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the batch running on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		cancelled, err := cancelRemoteBatch(cmd.Context(), client)
		if err != nil {
			return err
		}
		if !cancelled {
			printWarning("No batch is running")
			return nil
		}
		printSuccess("Cancellation requested")
		return nil
	},
}

func cancelRemoteBatch(ctx context.Context, client *apiClient) (bool, error) {
	resp, err := client.post(ctx, "/batches/cancel", nil)
	if err != nil {
		return false, err
	}
	var result struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return false, err
	}
	return result.Cancelled, nil
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and retry run records",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		runs, err := listRuns(cmd.Context(), client, limit, status)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			printWarning("No runs recorded")
			return nil
		}
		writeRunsTable(os.Stdout, runs)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one run as JSON, including its retained document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var run api.RunView
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

var runsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Queue a failed run for retry from its retained document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/runs/"+url.PathEscape(args[0])+"/retry", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued retry of run %s (job %s)", args[0], result["job_id"])
		return nil
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs")
	runsListCmd.Flags().String("status", "", "filter by status (published, generation_failed, compile_failed, upload_failed)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsRetryCmd)
}

func listRuns(ctx context.Context, client *apiClient, limit int, status string) ([]api.RunView, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if status != "" {
		q.Set("status", status)
	}
	resp, err := client.get(ctx, "/runs?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var runs []api.RunView
	if err := decodeJSON(resp, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func writeRunsTable(w io.Writer, runs []api.RunView) {
	t := newTable(w, "ID", "Status", "Title", "Result", "Tries", "Updated")
	for _, r := range runs {
		result := r.ArchiveLink
		if r.Status != storage.StatusPublished {
			result = truncate(r.Error, 48)
		}
		t.AppendRow([]any{
			shortID(r.ID),
			colorize(statusColor(r.Status), r.Status),
			truncate(r.Title, 40),
			result,
			r.Attempts + 1,
			r.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- credentials ---

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage the LLM credential pool",
	Long: `Manage the credentials file the pool is loaded from.

A running server reloads the file when it changes. Keys set through
PAPERMILL_LLM_API_KEYS or the secret store are listed but cannot be removed here.`,
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials (masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fileKeys, err := credentials.LoadFile(cfg.KeysPath())
		if err != nil {
			return err
		}
		if len(fileKeys) == 0 && len(cfg.LLM.APIKeys) == 0 {
			printWarning("No credentials configured; add one with: papermill credentials add <key>")
			return nil
		}
		writeCredentialsTable(os.Stdout, cfg.LLM.APIKeys, fileKeys)
		printStatus("File", "%s", cfg.KeysPath())
		return nil
	},
}

var credentialsAddCmd = &cobra.Command{
	Use:   "add <key>...",
	Short: "Add credentials to the credentials file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		added, err := addCredentials(cfg.KeysPath(), args)
		if err != nil {
			return err
		}
		printSuccess("Added %d credential(s) to %s", added, cfg.KeysPath())
		return nil
	},
}

var credentialsRemoveCmd = &cobra.Command{
	Use:   "remove <key|number>",
	Short: "Remove a credential by value or by its number in the file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		removed, err := removeCredential(cfg.KeysPath(), args[0])
		if err != nil {
			return err
		}
		printSuccess("Removed %s", credentials.Mask(removed))
		return nil
	},
}

func init() {
	credentialsCmd.AddCommand(credentialsListCmd)
	credentialsCmd.AddCommand(credentialsAddCmd)
	credentialsCmd.AddCommand(credentialsRemoveCmd)
}

func writeCredentialsTable(w io.Writer, envKeys, fileKeys []string) {
	t := newTable(w, "#", "Key", "Source")
	for i, k := range fileKeys {
		t.AppendRow([]any{i + 1, credentials.Mask(k), "file"})
	}
	for _, k := range envKeys {
		t.AppendRow([]any{"-", credentials.Mask(k), "env/secret store"})
	}
	t.Render()
}

// addCredentials appends keys to the file at path and reports how many were new.
func addCredentials(path string, keys []string) (int, error) {
	existing, err := credentials.LoadFile(path)
	if err != nil {
		return 0, err
	}
	pool := credentials.NewPool(existing)
	added := 0
	for _, k := range keys {
		if pool.Add(k) {
			added++
		}
	}
	if added == 0 {
		return 0, nil
	}
	return added, credentials.SaveFile(path, append(existing, keys...))
}

// removeCredential deletes ref, a full key or a 1-based position, from the file.
func removeCredential(path, ref string) (string, error) {
	keys, err := credentials.LoadFile(path)
	if err != nil {
		return "", err
	}
	idx := -1
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(keys) {
		idx = n - 1
	} else {
		for i, k := range keys {
			if k == strings.TrimSpace(ref) {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("credential %q not found in %s", credentials.Mask(ref), path)
	}
	removed := keys[idx]
	keys = append(keys[:idx], keys[idx+1:]...)
	return removed, credentials.SaveFile(path, keys)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if config.IsSecret(key) {
			value = "(set)"
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
