// Package recovery drains the queue of failed runs waiting to be retried.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/papermill/internal/pipeline"
	"github.com/kalambet/papermill/internal/storage"
)

// JobType is the queue type of a run retry request.
const JobType = "run_retry"

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	EnqueueJob(job storage.Job) error
}

// JobStore abstracts the job queue operations.
type JobStore interface {
	Enqueuer
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Retrier resumes a failed run.
type Retrier interface {
	Retry(ctx context.Context, id string) (storage.Run, error)
}

// Worker processes run_retry jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	retrier Retrier
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, retrier Retrier, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, retrier: retrier, poll: pollInterval, logger: logger}
}

type retryPayload struct {
	RunID string `json:"run_id"`
}

// Enqueue schedules a retry of run id and returns the job ID.
func Enqueue(store Enqueuer, runID string) (string, error) {
	payload, err := json.Marshal(retryPayload{RunID: runID})
	if err != nil {
		return "", err
	}
	job := storage.Job{ID: uuid.NewString(), Type: JobType, PayloadJSON: string(payload)}
	if err := store.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing retry of run %s: %w", runID, err)
	}
	return job.ID, nil
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("recovery iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single run_retry job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("run retry failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload retryPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.RunID == "" {
		return errors.New("payload has no run_id")
	}

	rec, err := w.retrier.Retry(ctx, payload.RunID)
	switch {
	case errors.Is(err, pipeline.ErrNotRetryable):
		w.logger.Info("run already published, nothing to retry", "run", payload.RunID)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		w.logger.Warn("run to retry no longer exists", "run", payload.RunID)
		return nil
	case err != nil:
		return fmt.Errorf("retrying run %s: %w", payload.RunID, err)
	}
	w.logger.Info("run recovered", "run", rec.ID, "link", rec.ArchiveLink)
	return nil
}
