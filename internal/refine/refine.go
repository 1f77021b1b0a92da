// Package refine drives the critique and improve loop that raises a draft
// to an acceptance threshold.
package refine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
)

// MaxScore is the upper bound of every criterion score.
const MaxScore = 10.0

// DefaultCriteria are the quality dimensions a draft is scored on.
var DefaultCriteria = []string{"originality", "rigor", "clarity", "structure", "relevance"}

// Score is one criterion's rating of a draft.
type Score struct {
	Criterion string  `json:"criterion"`
	Value     float64 `json:"score"`
	Note      string  `json:"note"`
}

// Critic scores drafts and rewrites them from the scores.
type Critic interface {
	Critique(ctx context.Context, doc string) ([]Score, error)
	Improve(ctx context.Context, doc string, scores []Score) (string, error)
}

// Config bounds the loop.
type Config struct {
	MaxIterations int
	Threshold     float64
	Criteria      []string
}

// DefaultConfig returns three iterations with an 8/10 threshold.
func DefaultConfig() Config {
	return Config{MaxIterations: 3, Threshold: 8, Criteria: DefaultCriteria}
}

// Result is the outcome of one Refine call.
type Result struct {
	Document   string
	Iterations int
	Scores     []Score
	Accepted   bool
}

// Observer is told about every scoring round.
type Observer func(iteration int, scores []Score)

type Controller struct {
	critic   Critic
	cfg      Config
	observer Observer
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

func WithObserver(fn Observer) Option {
	return func(c *Controller) { c.observer = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func New(critic Critic, cfg Config, opts ...Option) *Controller {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 1
	}
	if len(cfg.Criteria) == 0 {
		cfg.Criteria = DefaultCriteria
	}
	c := &Controller{critic: critic, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refine scores draft and improves it until every criterion reaches the
// threshold or MaxIterations scoring rounds have run. When the cap is hit
// the last draft is returned without error.
func (c *Controller) Refine(ctx context.Context, draft string) (Result, error) {
	doc := draft
	for iter := 1; ; iter++ {
		raw, err := c.critic.Critique(ctx, doc)
		if err != nil {
			return Result{}, fmt.Errorf("scoring iteration %d: %w", iter, err)
		}
		scores := Normalize(raw, c.cfg.Criteria)
		low := Min(scores)
		if c.observer != nil {
			c.observer(iter, scores)
		}
		c.logger.Info("draft scored", "iteration", iter, "min", low, "threshold", c.cfg.Threshold)

		if low >= c.cfg.Threshold {
			return Result{Document: doc, Iterations: iter, Scores: scores, Accepted: true}, nil
		}
		if iter >= c.cfg.MaxIterations {
			c.logger.Info("iteration cap reached, keeping last draft", "iterations", iter)
			return Result{Document: doc, Iterations: iter, Scores: scores}, nil
		}

		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		next, err := c.critic.Improve(ctx, doc, scores)
		if err != nil {
			return Result{}, fmt.Errorf("improving iteration %d: %w", iter, err)
		}
		doc = next
	}
}

// Normalize keeps only known criteria (first occurrence wins), clamps values
// to [0, MaxScore] and adds a zero score for every criterion the critique
// left out. The result follows the order of criteria.
func Normalize(scores []Score, criteria []string) []Score {
	byName := make(map[string]Score, len(scores))
	for _, s := range scores {
		name := strings.ToLower(strings.TrimSpace(s.Criterion))
		if !contains(criteria, name) {
			continue
		}
		if _, dup := byName[name]; dup {
			continue
		}
		s.Criterion = name
		if math.IsNaN(s.Value) {
			s.Value = 0
		}
		s.Value = math.Max(0, math.Min(MaxScore, s.Value))
		byName[name] = s
	}

	out := make([]Score, 0, len(criteria))
	for _, name := range criteria {
		s, ok := byName[name]
		if !ok {
			s = Score{Criterion: name, Note: "not evaluated"}
		}
		out = append(out, s)
	}
	return out
}

// Min returns the lowest score, or 0 for an empty list.
func Min(scores []Score) float64 {
	if len(scores) == 0 {
		return 0
	}
	low := scores[0].Value
	for _, s := range scores[1:] {
		low = math.Min(low, s.Value)
	}
	return low
}

// Feedback renders the criteria below threshold as revision instructions,
// weakest first.
func Feedback(scores []Score, threshold float64) string {
	weak := make([]Score, 0, len(scores))
	for _, s := range scores {
		if s.Value < threshold {
			weak = append(weak, s)
		}
	}
	sort.SliceStable(weak, func(i, j int) bool { return weak[i].Value < weak[j].Value })

	var b strings.Builder
	for _, s := range weak {
		fmt.Fprintf(&b, "- %s (%.1f/%.0f)", s.Criterion, s.Value, MaxScore)
		if s.Note != "" {
			b.WriteString(": ")
			b.WriteString(s.Note)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
