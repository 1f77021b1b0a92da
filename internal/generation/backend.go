package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/papermill/internal/document"
	"github.com/kalambet/papermill/internal/refine"
	"github.com/kalambet/papermill/internal/resilience"
)

// Backend implements the generation operations on top of a Completer.
// It satisfies refine.Critic and compiler.Repairer.
type Backend struct {
	inv       *resilience.Invoker
	llm       Completer
	classify  resilience.Classifier
	criteria  []string
	threshold float64
	logger    *slog.Logger
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithCriteria sets the criteria requested from the critic and the
// threshold used when turning scores into revision feedback.
func WithCriteria(criteria []string, threshold float64) BackendOption {
	return func(b *Backend) {
		b.criteria = criteria
		b.threshold = threshold
	}
}

// WithClassifier overrides IsRotationError.
func WithClassifier(fn resilience.Classifier) BackendOption {
	return func(b *Backend) { b.classify = fn }
}

func WithLogger(l *slog.Logger) BackendOption {
	return func(b *Backend) { b.logger = l }
}

func NewBackend(inv *resilience.Invoker, llm Completer, opts ...BackendOption) *Backend {
	cfg := refine.DefaultConfig()
	b := &Backend{
		inv:       inv,
		llm:       llm,
		classify:  IsRotationError,
		criteria:  cfg.Criteria,
		threshold: cfg.Threshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) complete(ctx context.Context, op string, p Prompt) (string, error) {
	return resilience.Do(ctx, b.inv, op, b.classify, func(ctx context.Context, key string) (string, error) {
		return b.llm.Complete(ctx, key, p)
	})
}

// GenerateTitle returns a one-line title for topic.
func (b *Backend) GenerateTitle(ctx context.Context, topic, lang string) (string, error) {
	return resilience.Do(ctx, b.inv, "generate title", b.classify, func(ctx context.Context, key string) (string, error) {
		out, err := b.llm.Complete(ctx, key, titlePrompt(topic, lang))
		if err != nil {
			return "", err
		}
		title := cleanTitle(out)
		if title == "" {
			return "", ErrEmptyResponse
		}
		return title, nil
	})
}

// GenerateDraft writes the first LaTeX draft.
func (b *Backend) GenerateDraft(ctx context.Context, title, lang string, words int) (string, error) {
	out, err := b.complete(ctx, "generate draft", draftPrompt(title, lang, words))
	if err != nil {
		return "", err
	}
	return document.StripFences(out), nil
}

// Critique scores doc. Responses that cannot be parsed are retried like
// any transient failure.
func (b *Backend) Critique(ctx context.Context, doc string) ([]refine.Score, error) {
	return resilience.Do(ctx, b.inv, "critique", b.classify, func(ctx context.Context, key string) ([]refine.Score, error) {
		out, err := b.llm.Complete(ctx, key, critiquePrompt(doc, b.criteria))
		if err != nil {
			return nil, err
		}
		return ParseScores(out)
	})
}

// Revise rewrites doc following free-text feedback.
func (b *Backend) Revise(ctx context.Context, doc, feedback string) (string, error) {
	out, err := b.complete(ctx, "revise", revisePrompt(doc, feedback))
	if err != nil {
		return "", err
	}
	return document.StripFences(out), nil
}

// Improve revises doc using the criteria that scored below threshold.
func (b *Backend) Improve(ctx context.Context, doc string, scores []refine.Score) (string, error) {
	return b.Revise(ctx, doc, refine.Feedback(scores, b.threshold))
}

// Repair asks the model to fix the compile errors in errText.
func (b *Backend) Repair(ctx context.Context, doc, errText string) (string, error) {
	out, err := b.complete(ctx, "repair", repairPrompt(doc, errText))
	if err != nil {
		return "", err
	}
	return document.StripFences(out), nil
}

// ParseScores decodes a critique response. It tolerates code fences, prose
// around the JSON and a bare array instead of {"scores": [...]}.
func ParseScores(raw string) ([]refine.Score, error) {
	raw = document.StripFences(raw)

	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		var wrapped struct {
			Scores []refine.Score `json:"scores"`
		}
		if err := json.Unmarshal([]byte(raw[start:end+1]), &wrapped); err == nil && len(wrapped.Scores) > 0 {
			return wrapped.Scores, nil
		}
	}
	if start, end := strings.Index(raw, "["), strings.LastIndex(raw, "]"); start >= 0 && end > start {
		var list []refine.Score
		if err := json.Unmarshal([]byte(raw[start:end+1]), &list); err == nil && len(list) > 0 {
			return list, nil
		}
	}
	return nil, fmt.Errorf("parsing critique: no scores in response")
}

func cleanTitle(s string) string {
	s = document.StripFences(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "Title:")
	return strings.Trim(strings.TrimSpace(s), `"'*`)
}
