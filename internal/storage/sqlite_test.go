package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/papermill/internal/resilience"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies that the run and job indexes are created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_runs_created", "idx_runs_status", "idx_jobs_status_run_after"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestContextVectorsTableExists verifies that the context_vectors table is created by migration and supports round-trip.

func publishedRun(id string, created time.Time) Run {
	return Run{
		ID:          id,
		WorkItemID:  "w-" + id,
		Title:       "Title " + id,
		Topic:       "retries",
		Language:    "English",
		Status:      StatusPublished,
		ArchiveID:   "10.5281/zenodo." + id,
		ArchiveLink: "https://doi.org/10.5281/zenodo." + id,
		CreatedAt:   created,
	}
}

func failedRun(id, status string, created time.Time) Run {
	return Run{
		ID:         id,
		WorkItemID: "w-" + id,
		Title:      "Title " + id,
		Status:     status,
		Document:   `\documentclass{article}`,
		Error:      "build failed",
		CreatedAt:  created,
	}
}

func TestAppendAndGetRun(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	want := failedRun("r1", StatusCompileFailed, now)
	want.TargetLength = 2000
	want.PoolExhausted = true
	if err := s.AppendRun(want); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}

	got, err := s.GetRun("r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	want.Attempts = 1
	want.UpdatedAt = now
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetRun mismatch (-want +got):\n%s", diff)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetRun("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendRunValidates(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	bad := []Run{
		{ID: "a", Status: StatusPublished, ArchiveID: "1"},
		{ID: "b", Status: StatusPublished, ArchiveID: "1", ArchiveLink: "l", Document: "doc"},
		{ID: "c", Status: StatusUploadFailed, Error: "x"},
		{ID: "d", Status: StatusGenerationFailed},
		{ID: "e", Status: "weird", Error: "x"},
	}
	for _, r := range bad {
		r.CreatedAt = now
		if err := s.AppendRun(r); err == nil {
			t.Errorf("AppendRun(%s) succeeded, want validation error", r.ID)
		}
	}

	ok := Run{ID: "f", Status: StatusGenerationFailed, Error: "quota", CreatedAt: now}
	if err := s.AppendRun(ok); err != nil {
		t.Errorf("AppendRun(generation_failed without document): %v", err)
	}
}

func TestListRuns(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	runs := []Run{
		publishedRun("1", base),
		failedRun("2", StatusUploadFailed, base.Add(time.Second)),
		publishedRun("3", base.Add(2*time.Second)),
	}
	for _, r := range runs {
		if err := s.AppendRun(r); err != nil {
			t.Fatalf("AppendRun(%s): %v", r.ID, err)
		}
	}

	all, err := s.ListRuns(10, "")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	var ids []string
	for _, r := range all {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]string{"3", "2", "1"}, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	published, err := s.ListRuns(1, StatusPublished)
	if err != nil {
		t.Fatalf("ListRuns(published): %v", err)
	}
	if len(published) != 1 || published[0].ID != "3" {
		t.Errorf("ListRuns(1, published) = %+v, want run 3", published)
	}

	counts, err := s.CountRunsByStatus()
	if err != nil {
		t.Fatalf("CountRunsByStatus: %v", err)
	}
	if counts[StatusPublished] != 2 || counts[StatusUploadFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestUpdateRunAfterRetry(t *testing.T) {
	s := openTestStore(t)

	if err := s.AppendRun(failedRun("r1", StatusUploadFailed, time.Now())); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}

	retried := publishedRun("r1", time.Now())
	if err := s.UpdateRunAfterRetry(retried); err != nil {
		t.Fatalf("UpdateRunAfterRetry: %v", err)
	}

	got, err := s.GetRun("r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != StatusPublished {
		t.Errorf("Status = %q, want %q", got.Status, StatusPublished)
	}
	if got.Document != "" {
		t.Errorf("Document = %q, want empty after publish", got.Document)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
	if got.WorkItemID != "w-r1" {
		t.Errorf("WorkItemID = %q, want it untouched", got.WorkItemID)
	}

	// A published run is final.
	err = s.UpdateRunAfterRetry(failedRun("r1", StatusCompileFailed, time.Now()))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}

	if err := s.UpdateRunAfterRetry(publishedRun("nope", time.Now())); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.LoadCursor(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadCursor on empty store: err = %v, want ErrNotFound", err)
	}
	for _, c := range []int{3, 1} {
		if err := s.SaveCursor(c); err != nil {
			t.Fatalf("SaveCursor(%d): %v", c, err)
		}
	}
	got, err := s.LoadCursor()
	if err != nil {
		t.Fatalf("LoadCursor: %v", err)
	}
	if got != 1 {
		t.Errorf("LoadCursor = %d, want 1", got)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        "run_retry",
		PayloadJSON: `{"run_id":"r1"}`,
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"run_retry"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.Type != "run_retry" {
		t.Errorf("Type = %q, want %q", got.Type, "run_retry")
	}
	if got.PayloadJSON != `{"run_id":"r1"}` {
		t.Errorf("PayloadJSON = %q, want %q", got.PayloadJSON, `{"run_id":"r1"}`)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob([]string{"run_retry"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-future",
		Type:        "run_retry",
		PayloadJSON: `{}`,
		RunAfter:    time.Now().UTC().Add(1 * time.Hour),
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"run_retry"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"a"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.Type != "a" {
		t.Errorf("Type = %q, want %q", got.Type, "a")
	}
}

func TestClaimNextJob_SkipsRunning(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-first", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob first: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob first: %v", err)
	}

	if err := s.EnqueueJob(Job{ID: "j-second", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob second: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob second: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-second" {
		t.Errorf("ID = %q, want %q", got.ID, "j-second")
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-complete'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want %q", status, "completed")
	}
}

func TestFailJob_IncrementsAttempts(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-inc", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-inc", "something broke"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error FROM jobs WHERE id = 'j-fail-inc'`).Scan(&status, &attempts, &lastError); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if lastError != "something broke" {
		t.Errorf("last_error = %q, want %q", lastError, "something broke")
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-fail-max'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want %q", status, "failed")
	}
}

func TestFailJob_SetsBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-backoff", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob("j-backoff", "retry"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var runAfterStr string
	if err := s.db.QueryRow(`SELECT run_after FROM jobs WHERE id = 'j-backoff'`).Scan(&runAfterStr); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	runAfter, err := time.Parse(time.RFC3339, runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}
}

func TestGetJob(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.EnqueueJob(Job{ID: "j-get", Type: "run_retry", PayloadJSON: `{"run_id":"r1"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.FailJob("j-get", "compiler unavailable"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	j, err := s.GetJob("j-get")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != "pending" || j.Attempts != 1 || j.MaxAttempts != 3 {
		t.Errorf("job = %s/%d/%d, want pending/1/3", j.Status, j.Attempts, j.MaxAttempts)
	}
	if j.LastError != "compiler unavailable" {
		t.Errorf("LastError = %q", j.LastError)
	}
	if !j.RunAfter.After(j.CreatedAt) {
		t.Errorf("RunAfter %v should be after CreatedAt %v", j.RunAfter, j.CreatedAt)
	}
}

func TestClaimNextJob_OldestDueFirst(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	for _, j := range []Job{
		{ID: "late", Type: "x", PayloadJSON: `{}`, RunAfter: now.Add(-time.Minute)},
		{ID: "early", Type: "x", PayloadJSON: `{}`, RunAfter: now.Add(-time.Hour)},
	} {
		if err := s.EnqueueJob(j); err != nil {
			t.Fatalf("EnqueueJob %s: %v", j.ID, err)
		}
	}

	var order []string
	for {
		j, err := s.ClaimNextJob([]string{"x"})
		if err != nil {
			t.Fatalf("ClaimNextJob: %v", err)
		}
		if j == nil {
			break
		}
		if j.Status != JobRunning {
			t.Errorf("claimed job %s has status %q", j.ID, j.Status)
		}
		order = append(order, j.ID)
	}
	if diff := cmp.Diff([]string{"early", "late"}, order); diff != "" {
		t.Errorf("claim order mismatch (-want +got):\n%s", diff)
	}
}

func TestFailJob_UsesJobBackoff(t *testing.T) {
	prev := JobBackoff
	JobBackoff = resilience.Fixed{Wait: time.Hour}
	t.Cleanup(func() { JobBackoff = prev })

	s := openTestStore(t)
	if err := s.EnqueueJob(Job{ID: "j-hour", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.FailJob("j-hour", "later"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err := s.GetJob("j-hour")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if wait := time.Until(j.RunAfter); wait < 59*time.Minute || wait > time.Hour {
		t.Errorf("run_after in %v, want about an hour", wait)
	}
	if j, _ := s.ClaimNextJob([]string{"x"}); j != nil {
		t.Errorf("claimed %s before its backoff elapsed", j.ID)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	if v, err := parseMigrationVersion("012_jobs.sql"); err != nil || v != 12 {
		t.Errorf("parseMigrationVersion(012_jobs.sql) = %d, %v", v, err)
	}
	for _, name := range []string{"init.sql", "x1_init.sql", "007.sql"} {
		if _, err := parseMigrationVersion(name); err == nil {
			t.Errorf("parseMigrationVersion(%q): expected error", name)
		}
	}
}
