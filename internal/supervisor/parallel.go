package supervisor

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/papermill/internal/credentials"
	"github.com/kalambet/papermill/internal/storage"
)

// Factory builds a supervisor bound to one credential pool.
type Factory func(pool *credentials.Pool) *Supervisor

// Group runs one supervisor per credential pool. A hard stop in one worker
// does not stop the others.
type Group struct {
	workers []*Supervisor
}

func NewGroup(pools []*credentials.Pool, factory Factory) *Group {
	g := &Group{workers: make([]*Supervisor, 0, len(pools))}
	for _, p := range pools {
		g.workers = append(g.workers, factory(p))
	}
	return g
}

// Run executes plan on every worker concurrently. Records reach sink one at
// a time. The returned error joins the errors of every worker that failed.
func (g *Group) Run(ctx context.Context, plan Plan, sink Sink) error {
	var mu sync.Mutex
	locked := func(r storage.Run) {
		if sink == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		sink(r)
	}

	// The group carries no context: one worker failing must not cancel the
	// others. Wait reports the first failure; errs keeps all of them.
	var (
		eg   errgroup.Group
		errs = make([]error, len(g.workers))
	)
	for i, w := range g.workers {
		eg.Go(func() error {
			errs[i] = w.Run(ctx, plan, locked)
			return errs[i]
		})
	}
	if err := eg.Wait(); err == nil {
		return nil
	}
	return errors.Join(errs...)
}

func (g *Group) Cancel() {
	for _, w := range g.workers {
		w.Cancel()
	}
}

// Status aggregates the workers' counters.
func (g *Group) Status() Status {
	var out Status
	for _, w := range g.workers {
		st := w.Status()
		out.Running = out.Running || st.Running
		out.Cancelled = out.Cancelled || st.Cancelled
		out.HardStop = out.HardStop || st.HardStop
		if out.Plan == "" {
			out.Plan = st.Plan
		}
		out.Batches += st.Batches
		out.Completed += st.Completed
		out.Published += st.Published
		out.Failed += st.Failed
		if !st.NextRun.IsZero() && (out.NextRun.IsZero() || st.NextRun.Before(out.NextRun)) {
			out.NextRun = st.NextRun
		}
		if st.LastError != "" {
			out.LastError = st.LastError
		}
	}
	return out
}

// Len reports the number of workers.
func (g *Group) Len() int { return len(g.workers) }

// RunParallel runs plan with one independent supervisor per pool and waits
// for all of them.
func RunParallel(ctx context.Context, pools []*credentials.Pool, factory Factory, plan Plan, sink Sink) error {
	if len(pools) == 0 {
		return credentials.ErrEmptyPool
	}
	return NewGroup(pools, factory).Run(ctx, plan, sink)
}
