package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when an update would rewrite a run that
// is not in a failed state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Run statuses.
const (
	StatusPublished        = "published"
	StatusGenerationFailed = "generation_failed"
	StatusCompileFailed    = "compile_failed"
	StatusUploadFailed     = "upload_failed"
)

// Run is one pipeline cycle's durable outcome.
type Run struct {
	ID            string
	WorkItemID    string
	Title         string
	Topic         string
	Language      string
	TargetLength  int
	Status        string
	ArchiveID     string
	ArchiveLink   string
	Document      string // retained only while the run is failed
	Error         string
	PoolExhausted bool
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Failed reports whether r can be retried.
func (r Run) Failed() bool {
	return r.Status != StatusPublished
}

// Validate checks the invariants every stored run must satisfy.
func (r Run) Validate() error {
	switch r.Status {
	case StatusPublished:
		if r.ArchiveID == "" || r.ArchiveLink == "" {
			return fmt.Errorf("published run %s: archive id and link are required", r.ID)
		}
		if r.Document != "" {
			return fmt.Errorf("published run %s: document must not be retained", r.ID)
		}
	case StatusCompileFailed, StatusUploadFailed:
		if r.Document == "" {
			return fmt.Errorf("%s run %s: document must be retained", r.Status, r.ID)
		}
		fallthrough
	case StatusGenerationFailed:
		if r.Error == "" {
			return fmt.Errorf("%s run %s: error message is required", r.Status, r.ID)
		}
	default:
		return fmt.Errorf("run %s: unknown status %q", r.ID, r.Status)
	}
	return nil
}

// Job is a queued unit of background work, such as a run retry.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // JobPending, JobRunning, JobCompleted or JobFailed
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
