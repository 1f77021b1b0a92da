// Package pipeline runs one unit of work end to end: title, draft,
// refinement, compilation and publication.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kalambet/papermill/internal/archive"
	"github.com/kalambet/papermill/internal/compiler"
	"github.com/kalambet/papermill/internal/document"
	"github.com/kalambet/papermill/internal/refine"
	"github.com/kalambet/papermill/internal/resilience"
	"github.com/kalambet/papermill/internal/storage"
)

var (
	// ErrCancelled is recorded for a unit stopped by cooperative cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrNotRetryable is returned when retrying a run that is already published.
	ErrNotRetryable = errors.New("run is not retryable")
)

// WorkItem is one automation cycle's input.
type WorkItem struct {
	ID           string
	Topic        string
	TargetLength int
	Language     string
}

// Generator produces the first draft.
type Generator interface {
	GenerateTitle(ctx context.Context, topic, lang string) (string, error)
	GenerateDraft(ctx context.Context, title, lang string, words int) (string, error)
}

type Refiner interface {
	Refine(ctx context.Context, draft string) (refine.Result, error)
}

type Compiler interface {
	Compile(ctx context.Context, doc string) (compiler.Output, error)
}

type Publisher interface {
	Publish(ctx context.Context, artifact []byte, md archive.Metadata) (archive.Publication, error)
}

// RunLog is the durable run record store.
type RunLog interface {
	AppendRun(r storage.Run) error
	GetRun(id string) (storage.Run, error)
	UpdateRunAfterRetry(r storage.Run) error
}

// Checkpoint is consulted between steps. A non-nil error stops the unit
// before the next step starts.
type Checkpoint func() error

// Config holds publication metadata defaults.
type Config struct {
	Creators []string
	License  string
}

type Runner struct {
	gen       Generator
	refiner   Refiner
	compiler  Compiler
	publisher Publisher
	log       RunLog
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(gen Generator, ref Refiner, comp Compiler, pub Publisher, log RunLog, cfg Config, opts ...Option) *Runner {
	r := &Runner{
		gen:       gen,
		refiner:   ref,
		compiler:  comp,
		publisher: pub,
		log:       log,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type stage int

const (
	stageTitle stage = iota
	stageDraft
	stageRefine
	stageCompile
	stagePublish
	stageDone
)

func (s stage) String() string {
	return [...]string{"title", "draft", "refine", "compile", "publish", "done"}[s]
}

// progress is the state carried between steps. doc always holds the latest
// document: the draft, then the refined text, then the exact compiled text.
// The artifact is kept in memory only, so a resumed run always rebuilds it.
type progress struct {
	item     WorkItem
	title    string
	doc      string
	artifact []byte
	pub      archive.Publication
}

// Run executes item and appends its record to the log. The returned error
// is the cause of a failed unit; the record is appended either way.
func (r *Runner) Run(ctx context.Context, item WorkItem, check Checkpoint) (storage.Run, error) {
	p := &progress{item: item}
	failed, err := r.execute(ctx, p, stageTitle, check)

	rec := r.record(p, failed, err)
	rec.ID = item.ID
	rec.CreatedAt = r.now().UTC()
	rec.UpdatedAt = rec.CreatedAt
	if aerr := r.log.AppendRun(rec); aerr != nil {
		return rec, errors.Join(err, fmt.Errorf("appending run record: %w", aerr))
	}
	return rec, err
}

// Retry resumes a failed run from its retained document and rewrites the
// record in place. generation_failed runs without a document start over
// from the topic.
func (r *Runner) Retry(ctx context.Context, id string) (storage.Run, error) {
	prev, err := r.log.GetRun(id)
	if err != nil {
		return storage.Run{}, err
	}
	if !prev.Failed() {
		return prev, fmt.Errorf("run %s: %w", id, ErrNotRetryable)
	}

	p := &progress{
		item: WorkItem{
			ID:           prev.WorkItemID,
			Topic:        prev.Topic,
			TargetLength: prev.TargetLength,
			Language:     prev.Language,
		},
		title: prev.Title,
		doc:   prev.Document,
	}
	from := stageCompile
	if prev.Status == storage.StatusGenerationFailed {
		switch {
		case p.doc != "":
			from = stageRefine
		case p.title != "":
			from = stageDraft
		default:
			from = stageTitle
		}
	}
	r.logger.Info("retrying run", "run", id, "status", prev.Status, "from", from)

	failed, err := r.execute(ctx, p, from, nil)
	rec := r.record(p, failed, err)
	rec.ID = prev.ID
	rec.CreatedAt = prev.CreatedAt
	rec.Attempts = prev.Attempts + 1
	rec.UpdatedAt = r.now().UTC()
	if uerr := r.log.UpdateRunAfterRetry(rec); uerr != nil {
		return rec, errors.Join(err, fmt.Errorf("updating run record: %w", uerr))
	}
	return rec, err
}

// execute runs the steps starting at from and reports the step that failed.
func (r *Runner) execute(ctx context.Context, p *progress, from stage, check Checkpoint) (stage, error) {
	for st := from; st < stageDone; st++ {
		if st != from {
			if err := ctx.Err(); err != nil {
				return st, err
			}
			if check != nil {
				if err := check(); err != nil {
					r.logger.Info("unit stopped between steps", "work_item", p.item.ID, "next", st)
					return st, fmt.Errorf("stopped before %s: %w", st, err)
				}
			}
		}
		if err := r.step(ctx, p, st); err != nil {
			r.logger.Warn("step failed", "work_item", p.item.ID, "step", st, "error", err)
			return st, err
		}
	}
	return stageDone, nil
}

func (r *Runner) step(ctx context.Context, p *progress, st stage) error {
	switch st {
	case stageTitle:
		title, err := r.gen.GenerateTitle(ctx, p.item.Topic, p.item.Language)
		if err != nil {
			return fmt.Errorf("generating title: %w", err)
		}
		p.title = title
		r.logger.Info("title generated", "work_item", p.item.ID, "title", title)
	case stageDraft:
		doc, err := r.gen.GenerateDraft(ctx, p.title, p.item.Language, p.item.TargetLength)
		if err != nil {
			return fmt.Errorf("generating draft: %w", err)
		}
		p.doc = doc
	case stageRefine:
		res, err := r.refiner.Refine(ctx, p.doc)
		if err != nil {
			return fmt.Errorf("refining draft: %w", err)
		}
		p.doc = res.Document
		r.logger.Info("refinement finished", "work_item", p.item.ID, "iterations", res.Iterations, "accepted", res.Accepted)
	case stageCompile:
		out, err := r.compiler.Compile(ctx, p.doc)
		if err != nil {
			return err
		}
		p.doc = out.Document
		p.artifact = out.Artifact
	case stagePublish:
		pub, err := r.publisher.Publish(ctx, p.artifact, r.metadata(p))
		if err != nil {
			return err
		}
		p.pub = pub
	}
	return nil
}

func (r *Runner) metadata(p *progress) archive.Metadata {
	md := document.Extract(p.doc)
	title := md.Title
	if title == "" {
		title = p.title
	}
	desc := md.Abstract
	if desc == "" {
		desc = fmt.Sprintf("A paper on %s.", p.item.Topic)
	}
	return archive.Metadata{
		Title:       title,
		Description: desc,
		Creators:    r.cfg.Creators,
		Keywords:    md.Keywords,
		License:     r.cfg.License,
		Language:    languageCode(p.item.Language),
		FileName:    FileName(title),
	}
}

// record summarizes a finished or failed unit.
func (r *Runner) record(p *progress, failed stage, err error) storage.Run {
	rec := storage.Run{
		WorkItemID:   p.item.ID,
		Title:        p.title,
		Topic:        p.item.Topic,
		Language:     p.item.Language,
		TargetLength: p.item.TargetLength,
	}
	if err == nil {
		rec.Status = storage.StatusPublished
		rec.ArchiveID = p.pub.ID
		rec.ArchiveLink = p.pub.Link
		return rec
	}

	rec.Document = p.doc
	rec.Error = err.Error()
	rec.PoolExhausted = resilience.IsPoolExhausted(err)
	switch {
	case p.doc == "" || failed < stageCompile:
		rec.Status = storage.StatusGenerationFailed
	case failed == stageCompile:
		rec.Status = storage.StatusCompileFailed
	default:
		rec.Status = storage.StatusUploadFailed
	}
	return rec
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// FileName returns a filesystem friendly PDF name for title.
func FileName(title string) string {
	s := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(s) > 60 {
		s = strings.TrimRight(s[:60], "-")
	}
	if s == "" {
		s = "paper"
	}
	return s + ".pdf"
}

var languageCodes = map[string]string{
	"english": "eng", "french": "fra", "german": "deu", "spanish": "spa",
	"italian": "ita", "portuguese": "por", "russian": "rus", "chinese": "zho", "japanese": "jpn",
}

// languageCode maps a language name to the ISO 639-2 code the archive
// expects. Unknown names are passed through unchanged.
func languageCode(lang string) string {
	if code, ok := languageCodes[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return code
	}
	return lang
}
