package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/papermill/internal/resilience"
)

// ErrCompile marks a document that could not be compiled, even after repair.
var ErrCompile = errors.New("compilation failed")

// Builder compiles a document into an artifact.
type Builder interface {
	Compile(ctx context.Context, doc string) ([]byte, error)
}

// Repairer revises a document given the compiler diagnostic.
type Repairer interface {
	Repair(ctx context.Context, doc, errText string) (string, error)
}

// RepairError keeps both the diagnostic of the direct attempts and the
// failure of the repair pass.
type RepairError struct {
	Original error
	Repair   error
}

func (e *RepairError) Error() string {
	return fmt.Sprintf("compilation failed: %v; after repair: %v", e.Original, e.Repair)
}

func (e *RepairError) Unwrap() []error { return []error{ErrCompile, e.Original, e.Repair} }

// Output is a compiled artifact together with the exact source it was built
// from.
type Output struct {
	Artifact []byte
	Document string
	Repaired bool
}

// RepairConfig bounds the direct attempts.
type RepairConfig struct {
	Attempts int
	Delay    time.Duration
}

func DefaultRepairConfig() RepairConfig {
	return RepairConfig{Attempts: 3, Delay: 5 * time.Second}
}

type RepairController struct {
	builder  Builder
	repairer Repairer
	cfg      RepairConfig
	sleep    resilience.SleepFunc
	logger   *slog.Logger
}

// RepairOption configures a RepairController.
type RepairOption func(*RepairController)

func WithSleep(fn resilience.SleepFunc) RepairOption {
	return func(c *RepairController) { c.sleep = fn }
}

func WithLogger(l *slog.Logger) RepairOption {
	return func(c *RepairController) { c.logger = l }
}

func NewRepairController(b Builder, r Repairer, cfg RepairConfig, opts ...RepairOption) *RepairController {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	c := &RepairController{builder: b, repairer: r, cfg: cfg, sleep: resilience.Sleep, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile builds doc with a few direct attempts. If they all fail, the
// diagnostic goes to the repairer and the revised document gets exactly one
// more build. Output.Document is always the text that produced the
// artifact.
func (c *RepairController) Compile(ctx context.Context, doc string) (Output, error) {
	var artifact []byte
	err := resilience.Retry(ctx, resilience.RetryPolicy{
		Attempts: c.cfg.Attempts,
		Backoff:  resilience.Fixed{Wait: c.cfg.Delay},
		Sleep:    c.sleep,
		Logger:   c.logger,
	}, "compile", func(ctx context.Context, _ int) error {
		a, err := c.builder.Compile(ctx, doc)
		if err != nil {
			return err
		}
		artifact = a
		return nil
	})
	if err == nil {
		return Output{Artifact: artifact, Document: doc}, nil
	}
	if ctx.Err() != nil {
		return Output{}, ctx.Err()
	}

	diag := Diagnostic(err)
	c.logger.Warn("compilation failed, attempting repair", "error", err)
	repaired, rerr := c.repairer.Repair(ctx, doc, diag)
	if rerr != nil {
		return Output{}, &RepairError{Original: err, Repair: fmt.Errorf("repairing document: %w", rerr)}
	}

	artifact, cerr := c.builder.Compile(ctx, repaired)
	if cerr != nil {
		return Output{}, &RepairError{Original: err, Repair: fmt.Errorf("compiling repaired document: %w", cerr)}
	}
	c.logger.Info("repaired document compiled")
	return Output{Artifact: artifact, Document: repaired, Repaired: true}, nil
}

// Diagnostic returns the build log carried by err, or its message.
func Diagnostic(err error) string {
	var be *BuildError
	if errors.As(err, &be) && be.Log != "" {
		return be.Log
	}
	return err.Error()
}
