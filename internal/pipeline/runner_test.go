package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/papermill/internal/archive"
	"github.com/kalambet/papermill/internal/compiler"
	"github.com/kalambet/papermill/internal/refine"
	"github.com/kalambet/papermill/internal/resilience"
	"github.com/kalambet/papermill/internal/storage"
)

const paper = `\documentclass{article}
\title{Backoff Strategies}
\begin{document}
\begin{abstract}We compare retry policies.\end{abstract}
\keywords{retry, backoff}
\end{document}`

type fakeGen struct {
	titleErr error
	draftErr error
	calls    []string
}

func (f *fakeGen) GenerateTitle(_ context.Context, topic, lang string) (string, error) {
	f.calls = append(f.calls, "title")
	if f.titleErr != nil {
		return "", f.titleErr
	}
	return "Backoff Strategies", nil
}

func (f *fakeGen) GenerateDraft(_ context.Context, title, lang string, words int) (string, error) {
	f.calls = append(f.calls, "draft")
	if f.draftErr != nil {
		return "", f.draftErr
	}
	return paper, nil
}

type fakeRefiner struct {
	err   error
	calls int
}

func (f *fakeRefiner) Refine(_ context.Context, draft string) (refine.Result, error) {
	f.calls++
	if f.err != nil {
		return refine.Result{}, f.err
	}
	return refine.Result{Document: draft + "\n% refined", Iterations: 1, Accepted: true}, nil
}

type fakeCompiler struct {
	err  error
	docs []string
}

func (f *fakeCompiler) Compile(_ context.Context, doc string) (compiler.Output, error) {
	f.docs = append(f.docs, doc)
	if f.err != nil {
		return compiler.Output{}, f.err
	}
	return compiler.Output{Artifact: []byte("%PDF"), Document: doc + "\n% compiled"}, nil
}

type fakePublisher struct {
	err   error
	calls int
	md    archive.Metadata
}

func (f *fakePublisher) Publish(_ context.Context, artifact []byte, md archive.Metadata) (archive.Publication, error) {
	f.calls++
	f.md = md
	if f.err != nil {
		return archive.Publication{}, f.err
	}
	return archive.Publication{ID: fmt.Sprintf("rec-%d", f.calls), Link: fmt.Sprintf("https://archive/rec-%d", f.calls)}, nil
}

type fixture struct {
	gen   *fakeGen
	ref   *fakeRefiner
	comp  *fakeCompiler
	pub   *fakePublisher
	store *storage.Store
	r     *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{gen: &fakeGen{}, ref: &fakeRefiner{}, comp: &fakeCompiler{}, pub: &fakePublisher{}, store: s}
	f.r = NewRunner(f.gen, f.ref, f.comp, f.pub, s, Config{Creators: []string{"Ada"}, License: "cc-by-4.0"},
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }))
	return f
}

var item = WorkItem{ID: "w1", Topic: "retry policies", TargetLength: 1500, Language: "English"}

func TestRunPublishes(t *testing.T) {
	f := newFixture(t)

	rec, err := f.r.Run(context.Background(), item, nil)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPublished, rec.Status)
	assert.Equal(t, "rec-1", rec.ArchiveID)
	assert.Empty(t, rec.Document)

	// The compiled text, not the refined one, feeds the metadata.
	require.Len(t, f.comp.docs, 1)
	assert.Equal(t, paper+"\n% refined", f.comp.docs[0])
	assert.Equal(t, archive.Metadata{
		Title:       "Backoff Strategies",
		Description: "We compare retry policies.",
		Creators:    []string{"Ada"},
		Keywords:    []string{"retry", "backoff"},
		License:     "cc-by-4.0",
		Language:    "eng",
		FileName:    "backoff-strategies.pdf",
	}, f.pub.md)

	stored, err := f.store.GetRun("w1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPublished, stored.Status)
	assert.Equal(t, "retry policies", stored.Topic)
}

func TestRunFailureStatuses(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		setup   func(f *fixture)
		status  string
		wantDoc bool
	}{
		{"title", func(f *fixture) { f.gen.titleErr = boom }, storage.StatusGenerationFailed, false},
		{"refine", func(f *fixture) { f.ref.err = boom }, storage.StatusGenerationFailed, true},
		{"compile", func(f *fixture) { f.comp.err = &compiler.RepairError{Original: boom, Repair: boom} }, storage.StatusCompileFailed, true},
		{"publish", func(f *fixture) { f.pub.err = &archive.PublishError{Attempts: 5, Err: boom} }, storage.StatusUploadFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			rec, err := f.r.Run(context.Background(), item, nil)
			require.ErrorIs(t, err, boom)
			assert.Equal(t, tt.status, rec.Status)
			assert.Equal(t, tt.wantDoc, rec.Document != "")
			assert.NotEmpty(t, rec.Error)
			assert.False(t, rec.PoolExhausted)

			stored, err := f.store.GetRun("w1")
			require.NoError(t, err)
			assert.Equal(t, tt.status, stored.Status)
		})
	}
}

func TestRunUploadFailureKeepsCompiledDocument(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("archive down")

	rec, err := f.r.Run(context.Background(), item, nil)
	require.Error(t, err)
	assert.Equal(t, paper+"\n% refined\n% compiled", rec.Document)
}

func TestRunMarksPoolExhaustion(t *testing.T) {
	f := newFixture(t)
	f.gen.draftErr = fmt.Errorf("generate draft: %w", resilience.ErrPoolExhausted)

	rec, err := f.r.Run(context.Background(), item, nil)
	require.ErrorIs(t, err, resilience.ErrPoolExhausted)
	assert.True(t, rec.PoolExhausted)
	assert.Equal(t, storage.StatusGenerationFailed, rec.Status)
	assert.Equal(t, "Backoff Strategies", rec.Title)
}

func TestRunCheckpointStopsBetweenSteps(t *testing.T) {
	f := newFixture(t)
	steps := 0
	check := func() error {
		steps++
		if steps == 3 { // before compile
			return ErrCancelled
		}
		return nil
	}

	rec, err := f.r.Run(context.Background(), item, check)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, storage.StatusCompileFailed, rec.Status)
	assert.Equal(t, paper+"\n% refined", rec.Document)
	assert.Empty(t, f.comp.docs)
	assert.Zero(t, f.pub.calls)
}

func TestRetryUploadFailed(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("archive down")
	_, err := f.r.Run(context.Background(), item, nil)
	require.Error(t, err)

	f.pub.err = nil
	rec, err := f.r.Retry(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPublished, rec.Status)
	assert.Empty(t, rec.Document)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, []string{"title", "draft"}, f.gen.calls, "no regeneration on retry")
	assert.Equal(t, 1, f.ref.calls)

	stored, err := f.store.GetRun("w1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPublished, stored.Status)
	assert.Equal(t, 2, stored.Attempts)

	_, err = f.r.Retry(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestRetryGenerationFailedWithoutDocument(t *testing.T) {
	f := newFixture(t)
	f.gen.titleErr = errors.New("quota")
	_, err := f.r.Run(context.Background(), item, nil)
	require.Error(t, err)

	f.gen.titleErr = nil
	rec, err := f.r.Retry(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPublished, rec.Status)
	assert.Equal(t, []string{"title", "title", "draft"}, f.gen.calls)
}

func TestRetryFailureStaysFailed(t *testing.T) {
	f := newFixture(t)
	f.comp.err = errors.New("bad latex")
	_, err := f.r.Run(context.Background(), item, nil)
	require.Error(t, err)

	rec, err := f.r.Retry(context.Background(), "w1")
	require.Error(t, err)
	assert.Equal(t, storage.StatusCompileFailed, rec.Status)

	stored, err := f.store.GetRun("w1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompileFailed, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
}

func TestRetryUnknownRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.r.Retry(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "on-resilient-pipelines-v2.pdf", FileName("On Resilient Pipelines: v2!"))
	assert.Equal(t, "paper.pdf", FileName("???"))
}
