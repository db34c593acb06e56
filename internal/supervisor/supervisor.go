// Package supervisor runs one poller per registry instance and restarts
// pollers that fail.
package supervisor

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"msd/internal/core"
	"msd/internal/retry"
	"msd/pkg/metrics"
)

// Runner is a poller as seen by the supervisor
type Runner interface {
	Instance() string
	Run(ctx context.Context) error
	Status() core.InstanceStatus
}

// Config holds the restart policy
type Config struct {
	// MaxRestarts is how often a failed poller is restarted before its
	// instance is marked degraded
	MaxRestarts    int
	RestartBackoff retry.Config
}

type entry struct {
	runner Runner

	mu       sync.RWMutex
	state    core.InstanceState
	restarts int
}

func (e *entry) setState(s core.InstanceState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Supervisor owns the lifecycle of all pollers
type Supervisor struct {
	config  Config
	entries []*entry
	byName  map[string]*entry
	logger  *slog.Logger
	metrics *metrics.Metrics

	wg      sync.WaitGroup
	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// New creates a supervisor for the given runners
func New(cfg Config, runners []Runner, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewWithRegistry(prometheus.NewRegistry())
	}
	s := &Supervisor{
		config:  cfg,
		byName:  make(map[string]*entry, len(runners)),
		logger:  logger.With("component", "supervisor"),
		metrics: m,
	}
	for _, r := range runners {
		e := &entry{runner: r, state: core.InstanceStarting}
		s.entries = append(s.entries, e)
		s.byName[r.Instance()] = e
		m.Degraded.WithLabelValues(r.Instance()).Set(0)
	}
	sort.Slice(s.entries, func(i, j int) bool {
		return s.entries[i].runner.Instance() < s.entries[j].runner.Instance()
	})
	return s
}

// Start launches every poller. It returns immediately and does nothing
// once Stop has been called.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.supervise(ctx, e)
	}
	s.logger.Info("Started pollers", "instances", len(s.entries))
}

func (s *Supervisor) supervise(ctx context.Context, e *entry) {
	defer s.wg.Done()

	name := e.runner.Instance()
	logger := s.logger.With("instance", name)
	backoff := retry.NewBackoff(s.config.RestartBackoff)

	for {
		e.setState(core.InstanceRunning)
		err := e.runner.Run(ctx)
		if err == nil || ctx.Err() != nil {
			e.setState(core.InstanceStopped)
			return
		}

		e.mu.RLock()
		restarts := e.restarts
		e.mu.RUnlock()

		if restarts >= s.config.MaxRestarts {
			e.setState(core.InstanceDegraded)
			s.metrics.Degraded.WithLabelValues(name).Set(1)
			logger.Error("Poller exhausted its restarts, instance degraded",
				"error", err,
				"restarts", restarts)
			return
		}

		delay := backoff.Next()
		logger.Error("Poller failed, restarting",
			"error", err,
			"restart", restarts+1,
			"maxRestarts", s.config.MaxRestarts,
			"delay", delay)

		if err := retry.Sleep(ctx, delay); err != nil {
			e.setState(core.InstanceStopped)
			return
		}

		e.mu.Lock()
		e.restarts++
		e.mu.Unlock()
		s.metrics.Restarts.WithLabelValues(name).Inc()
	}
}

// Stop cancels every poller and waits until all have returned or ctx expires
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All pollers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the status of one instance
func (s *Supervisor) Status(name string) (core.InstanceStatus, bool) {
	e, ok := s.byName[name]
	if !ok {
		return core.InstanceStatus{}, false
	}
	return e.status(), true
}

// Statuses returns the status of every instance, sorted by name
func (s *Supervisor) Statuses() []core.InstanceStatus {
	out := make([]core.InstanceStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.status())
	}
	return out
}

func (e *entry) status() core.InstanceStatus {
	st := e.runner.Status()
	e.mu.RLock()
	st.State = e.state
	st.Restarts = e.restarts
	e.mu.RUnlock()
	return st
}
