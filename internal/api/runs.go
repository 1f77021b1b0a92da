package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/papermill/internal/credentials"
	"github.com/kalambet/papermill/internal/recovery"
	"github.com/kalambet/papermill/internal/storage"
	"github.com/kalambet/papermill/internal/supervisor"
)

const maxRequestBodySize = 1 << 20 // 1MB

// RunStore is the subset of storage the API reads and enqueues into.
type RunStore interface {
	GetRun(id string) (storage.Run, error)
	ListRuns(limit int, status string) ([]storage.Run, error)
	CountRunsByStatus() (map[string]int, error)
	EnqueueJob(job storage.Job) error
}

// Batches starts and stops supervised batches.
type Batches interface {
	Start(ctx context.Context, plan supervisor.Plan, parallel int, sink supervisor.Sink) error
	Cancel() bool
	Status() supervisor.Status
}

type AppDeps struct {
	Store   RunStore
	Batches Batches
	Pool    *credentials.Pool
	Token   string
	// BatchSize is the default number of units per batch.
	BatchSize int
	// BaseContext outlives requests; batches started over HTTP run under it.
	BaseContext context.Context
	// Sink receives the records of batches started through the API.
	Sink supervisor.Sink
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Post("/runs/{id}/retry", handleRetryRun(deps))
		r.Post("/batches", handleStartBatch(deps))
		r.Post("/batches/cancel", handleCancelBatch(deps))
		r.Get("/credentials", handleListCredentials(deps))
	})

	return r
}

// RunView is the JSON shape of a run record.
type RunView struct {
	ID            string    `json:"id"`
	WorkItemID    string    `json:"work_item_id"`
	Title         string    `json:"title"`
	Topic         string    `json:"topic"`
	Language      string    `json:"language"`
	TargetLength  int       `json:"target_length"`
	Status        string    `json:"status"`
	ArchiveID     string    `json:"archive_id,omitempty"`
	ArchiveLink   string    `json:"archive_link,omitempty"`
	Error         string    `json:"error,omitempty"`
	PoolExhausted bool      `json:"pool_exhausted,omitempty"`
	Attempts      int       `json:"attempts"`
	HasDocument   bool      `json:"has_document"`
	Document      string    `json:"document,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewRunView converts r, including the retained document when withDoc is set.
func NewRunView(r storage.Run, withDoc bool) RunView {
	v := RunView{
		ID:            r.ID,
		WorkItemID:    r.WorkItemID,
		Title:         r.Title,
		Topic:         r.Topic,
		Language:      r.Language,
		TargetLength:  r.TargetLength,
		Status:        r.Status,
		ArchiveID:     r.ArchiveID,
		ArchiveLink:   r.ArchiveLink,
		Error:         r.Error,
		PoolExhausted: r.PoolExhausted,
		Attempts:      r.Attempts,
		HasDocument:   r.Document != "",
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if withDoc {
		v.Document = r.Document
	}
	return v
}

// StatusView is the body of GET /status.
type StatusView struct {
	Batch supervisor.Status `json:"batch"`
	Pool  PoolView          `json:"pool"`
	Runs  map[string]int    `json:"runs"`
}

type PoolView struct {
	Size   int `json:"size"`
	Cursor int `json:"cursor"`
}

// StartBatchRequest is the body of POST /batches. Plan is a batch size,
// "continuous" or a schedule such as "at 09:00,21:00".
type StartBatchRequest struct {
	Plan     string `json:"plan"`
	Size     int    `json:"size"`
	Parallel int    `json:"parallel"`
}

var errAlreadyPublished = errors.New("run is already published")

// enqueueRetry validates that run id can be retried and queues it.
func enqueueRetry(store RunStore, id string) (string, error) {
	run, err := store.GetRun(id)
	if err != nil {
		return "", err
	}
	if !run.Failed() {
		return "", errAlreadyPublished
	}
	return recovery.Enqueue(store, id)
}

func startBatch(deps AppDeps, req StartBatchRequest) (supervisor.Plan, error) {
	size := req.Size
	if size <= 0 {
		size = deps.BatchSize
	}
	plan, err := supervisor.ParsePlan(req.Plan, size)
	if err != nil {
		return supervisor.Plan{}, err
	}
	if deps.Batches == nil {
		return supervisor.Plan{}, errors.New("batches are not enabled on this server")
	}
	return plan, deps.Batches.Start(deps.BaseContext, plan, req.Parallel, deps.Sink)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.CountRunsByStatus()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count runs: %v", err)
			return
		}
		view := StatusView{Runs: counts}
		if deps.Batches != nil {
			view.Batch = deps.Batches.Status()
		}
		if deps.Pool != nil {
			view.Pool = PoolView{Size: deps.Pool.Size(), Cursor: deps.Pool.Cursor()}
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleListRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		status := r.URL.Query().Get("status")

		runs, err := deps.Store.ListRuns(limit, status)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}

		views := make([]RunView, 0, len(runs))
		for _, run := range runs {
			views = append(views, NewRunView(run, false))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		run, err := deps.Store.GetRun(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, NewRunView(run, true))
	}
}

func handleRetryRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		jobID, err := enqueueRetry(deps.Store, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		case errors.Is(err, errAlreadyPublished):
			httpError(w, http.StatusConflict, "invalid_request_error", "run %s is already published", id)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue retry: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "queued"})
	}
}

func handleStartBatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req StartBatchRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		plan, err := startBatch(deps, req)
		switch {
		case errors.Is(err, supervisor.ErrBusy):
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, credentials.ErrEmptyPool):
			httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "plan": plan.String()})
	}
}

func handleCancelBatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cancelled := deps.Batches != nil && deps.Batches.Cancel()
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
	}
}

func handleListCredentials(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys := []string{}
		cursor := 0
		if deps.Pool != nil {
			for _, k := range deps.Pool.Keys() {
				keys = append(keys, credentials.Mask(k))
			}
			cursor = deps.Pool.Cursor()
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys, "cursor": cursor})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
