// Package supervisor sequences pipeline units into batches, repeats them
// continuously or on a schedule, and stops on cancellation or when the
// credential pool is exhausted.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/papermill/internal/credentials"
	"github.com/kalambet/papermill/internal/pipeline"
	"github.com/kalambet/papermill/internal/resilience"
	"github.com/kalambet/papermill/internal/storage"
)

// ErrHardStop is returned when a batch was aborted because every further
// unit would fail the same way.
var ErrHardStop = errors.New("batch aborted")

// UnitRunner executes one unit of work and records it.
type UnitRunner interface {
	Run(ctx context.Context, item pipeline.WorkItem, check pipeline.Checkpoint) (storage.Run, error)
}

// Sink receives every run record as soon as it is appended.
type Sink func(storage.Run)

// Config holds the pauses between units and batches.
type Config struct {
	// Cooldown separates batches in continuous mode.
	Cooldown time.Duration
	// FailurePause follows a failed unit.
	FailurePause time.Duration
	// NetworkPause follows a unit that failed with a network error.
	NetworkPause time.Duration
}

func DefaultConfig() Config {
	return Config{Cooldown: 10 * time.Minute, FailurePause: 30 * time.Second, NetworkPause: 2 * time.Minute}
}

// Status is a snapshot of a supervisor's progress.
type Status struct {
	Running   bool      `json:"running"`
	Plan      string    `json:"plan"`
	Batches   int       `json:"batches"`
	Completed int       `json:"completed"`
	Published int       `json:"published"`
	Failed    int       `json:"failed"`
	Cancelled bool      `json:"cancelled"`
	HardStop  bool      `json:"hard_stop"`
	NextRun   time.Time `json:"next_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type Supervisor struct {
	runner UnitRunner
	topics TopicSource
	cfg    Config
	sleep  resilience.SleepFunc
	now    func() time.Time
	logger *slog.Logger

	cancelled atomic.Bool
	wake      chan struct{}
	wakeOnce  sync.Once

	mu     sync.Mutex
	status Status
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithSleep(fn resilience.SleepFunc) Option {
	return func(s *Supervisor) { s.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

func New(runner UnitRunner, topics TopicSource, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		runner: runner,
		topics: topics,
		cfg:    cfg,
		sleep:  resilience.Sleep,
		now:    time.Now,
		logger: slog.Default(),
		wake:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cancel asks the supervisor to stop. The unit in flight finishes its
// current step and is recorded; pauses and schedule waits end at once.
func (s *Supervisor) Cancel() {
	s.cancelled.Store(true)
	s.wakeOnce.Do(func() { close(s.wake) })
	s.update(func(st *Status) { st.Cancelled = true })
}

// Cancelled reports whether Cancel was called or a hard stop occurred.
func (s *Supervisor) Cancelled() bool { return s.cancelled.Load() }

// Status returns a snapshot of the supervisor's progress.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func (s *Supervisor) checkpoint() error {
	if s.cancelled.Load() {
		return pipeline.ErrCancelled
	}
	return nil
}

// Run executes plan, passing each record to sink. It returns nil when the
// plan completes or is cancelled, and an error matching ErrHardStop when the
// credential pool is exhausted.
func (s *Supervisor) Run(ctx context.Context, plan Plan, sink Sink) error {
	if plan.Size < 1 {
		plan.Size = 1
	}
	if sink == nil {
		sink = func(storage.Run) {}
	}
	s.update(func(st *Status) {
		st.Running = true
		st.Plan = plan.String()
	})
	defer s.update(func(st *Status) {
		st.Running = false
		st.NextRun = time.Time{}
	})

	s.logger.Info("supervisor started", "plan", plan.String())
	for {
		if plan.Mode == Scheduled {
			next := NextTrigger(s.now(), plan.Times)
			s.update(func(st *Status) { st.NextRun = next })
			s.logger.Info("waiting for next scheduled batch", "at", next.Format(time.RFC3339))
			if err := s.wait(ctx, next.Sub(s.now())); err != nil {
				return s.stopped(ctx, err)
			}
			s.update(func(st *Status) { st.NextRun = time.Time{} })
		}

		if err := s.runBatch(ctx, plan.Size, sink); err != nil {
			return s.stopped(ctx, err)
		}
		if s.cancelled.Load() || plan.Mode == Batch {
			s.logger.Info("supervisor finished", "cancelled", s.cancelled.Load())
			return nil
		}

		if plan.Mode == Continuous {
			s.logger.Info("batch complete, cooling down", "delay", s.cfg.Cooldown)
			if err := s.wait(ctx, s.cfg.Cooldown); err != nil {
				return s.stopped(ctx, err)
			}
		}
	}
}

var errWokenByCancel = errors.New("woken by cancel")

// stopped maps the reason a run loop ended to Run's result.
func (s *Supervisor) stopped(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, errWokenByCancel), errors.Is(err, pipeline.ErrCancelled):
		s.logger.Info("supervisor cancelled")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	s.update(func(st *Status) { st.LastError = err.Error() })
	return err
}

// runBatch runs size units in order. Per-unit failures never end the batch;
// pool exhaustion and cancellation do.
func (s *Supervisor) runBatch(ctx context.Context, size int, sink Sink) error {
	s.update(func(st *Status) { st.Batches++ })
	for i := 1; i <= size; i++ {
		if s.cancelled.Load() {
			return pipeline.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		item := s.topics.Next()
		item.ID = uuid.NewString()
		s.logger.Info("starting unit", "unit", i, "of", size, "work_item", item.ID, "topic", item.Topic)

		rec, err := s.runner.Run(ctx, item, s.checkpoint)
		if rec.ID != "" {
			sink(rec)
		}
		s.update(func(st *Status) {
			st.Completed++
			if rec.Status == storage.StatusPublished && err == nil {
				st.Published++
			} else {
				st.Failed++
			}
		})
		if err == nil {
			s.logger.Info("unit published", "work_item", item.ID, "link", rec.ArchiveLink)
			continue
		}

		switch {
		case resilience.IsPoolExhausted(err):
			s.cancelled.Store(true)
			s.update(func(st *Status) { st.HardStop = true })
			s.logger.Error("credential pool exhausted, aborting batch", "work_item", item.ID, "error", err)
			return fmt.Errorf("%w: %w", ErrHardStop, err)
		case errors.Is(err, credentials.ErrEmptyPool):
			return err
		case errors.Is(err, pipeline.ErrCancelled):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}

		pause := s.cfg.FailurePause
		if resilience.IsNetworkError(err) {
			pause = s.cfg.NetworkPause
		}
		s.logger.Warn("unit failed", "work_item", item.ID, "status", rec.Status, "error", err)
		if i < size {
			if err := s.wait(ctx, pause); err != nil {
				return err
			}
		}
	}
	return nil
}

// wait sleeps for d unless ctx ends or Cancel is called first.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) error {
	if s.cancelled.Load() {
		return errWokenByCancel
	}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.wake:
			cancel()
		case <-wctx.Done():
		}
	}()
	if err := s.sleep(wctx, d); err != nil {
		if s.cancelled.Load() && ctx.Err() == nil {
			return errWokenByCancel
		}
		return err
	}
	return nil
}
