package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kalambet/papermill/internal/credentials"
)

// ErrBusy is returned when a batch is started while another is running.
var ErrBusy = errors.New("a batch is already running")

// Manager owns at most one running batch at a time for long lived
// processes such as the HTTP server.
type Manager struct {
	pool    *credentials.Pool
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	current *Group
	last    Status
	lastErr error
	done    chan struct{}
}

func NewManager(pool *credentials.Pool, factory Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{pool: pool, factory: factory, logger: logger}
}

// Start launches plan in the background. With parallel > 1 the pool is split
// into single key pools and one worker runs per key, up to parallel workers.
func (m *Manager) Start(ctx context.Context, plan Plan, parallel int, sink Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return ErrBusy
	}

	pools := []*credentials.Pool{m.pool}
	if parallel > 1 {
		pools = m.pool.Split()
		if len(pools) > parallel {
			pools = pools[:parallel]
		}
		if len(pools) == 0 {
			return credentials.ErrEmptyPool
		}
	}
	g := NewGroup(pools, m.factory)
	done := make(chan struct{})
	m.current = g
	m.done = done

	go func() {
		defer close(done)
		err := g.Run(ctx, plan, sink)
		if err != nil {
			m.logger.Error("batch ended with error", "error", err)
		}
		m.mu.Lock()
		m.last = g.Status()
		m.lastErr = err
		m.current = nil
		m.mu.Unlock()
	}()
	m.logger.Info("batch started", "plan", plan.String(), "workers", g.Len())
	return nil
}

// Cancel stops the running batch, if any. It reports whether one was running.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	g := m.current
	m.mu.Unlock()
	if g == nil {
		return false
	}
	g.Cancel()
	return true
}

// Status reports the running batch, or the last finished one.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return m.current.Status()
	}
	st := m.last
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Wait blocks until the running batch, if any, has finished.
func (m *Manager) Wait() error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}
