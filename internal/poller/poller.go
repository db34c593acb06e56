// Package poller keeps one registry instance's snapshot current.
package poller

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"msd/internal/core"
	"msd/internal/retry"
	"msd/internal/snapshot"
	"msd/internal/targets"
	"msd/internal/telemetry"
	"msd/pkg/errors"
	"msd/pkg/metrics"
)

// State is the position of a poller in its cycle
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateVerifying   State = "verifying"
	StateBuilding    State = "building"
	StatePublishing  State = "publishing"
	StateBackoffWait State = "backoff_wait"
	StateStopped     State = "stopped"
)

// Cycle outcomes
const (
	OutcomePublished = "published"
	OutcomeUnchanged = "unchanged"
	OutcomeStale     = "stale"
	OutcomeFailed    = "failed"
)

// Config holds the per-instance timing parameters
type Config struct {
	Instance     string
	PollInterval time.Duration
	FetchTimeout time.Duration
	Backoff      retry.Config
}

// Tracer starts the span covering one poll cycle
type Tracer interface {
	StartPollSpan(ctx context.Context, instance string, since uint64) (context.Context, trace.Span)
}

// Mirror receives every snapshot the poller publishes
type Mirror interface {
	Mirror(ctx context.Context, snap *core.Snapshot) error
}

type noopTracer struct{}

func (noopTracer) StartPollSpan(ctx context.Context, _ string, _ uint64) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Option configures a Poller
type Option func(*Poller)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

// WithMetrics sets the metrics the poller reports to
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithTracer sets the tracer used for poll cycle spans
func WithTracer(t Tracer) Option {
	return func(p *Poller) { p.tracer = t }
}

// WithMirror sets a mirror that receives published snapshots
func WithMirror(m Mirror) Option {
	return func(p *Poller) { p.mirror = m }
}

// Poller periodically fetches, verifies and builds one instance's registry
// state and publishes it to the instance's store. A failed cycle never
// touches the store.
type Poller struct {
	config   Config
	client   core.RegistryClient
	verifier core.Verifier
	store    *snapshot.Store
	backoff  *retry.Backoff

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  Tracer
	mirror  Mirror

	state atomic.Value

	mu                  sync.RWMutex
	lastSuccess         *time.Time
	lastError           string
	consecutiveFailures int
	decodeSkips         int

	now func() time.Time
}

// New creates a poller for one instance
func New(cfg Config, client core.RegistryClient, verifier core.Verifier, store *snapshot.Store, opts ...Option) *Poller {
	p := &Poller{
		config:   cfg,
		client:   client,
		verifier: verifier,
		store:    store,
		backoff:  retry.NewBackoff(cfg.Backoff),
		logger:   slog.Default(),
		tracer:   noopTracer{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.NewWithRegistry(prometheus.NewRegistry())
	}
	p.logger = p.logger.With("component", "poller", "instance", cfg.Instance)
	p.setState(StateIdle)
	return p
}

// Instance returns the name of the polled instance
func (p *Poller) Instance() string {
	return p.config.Instance
}

// State returns the current state of the cycle
func (p *Poller) State() State {
	return p.state.Load().(State)
}

func (p *Poller) setState(s State) {
	p.state.Store(s)
}

// Run polls until ctx is cancelled, which returns nil. A cycle already in
// progress completes first. Any other returned error is a poller_fatal
// error and the poller's cycle has stopped.
func (p *Poller) Run(ctx context.Context) error {
	defer p.setState(StateStopped)

	for {
		wait, err := p.cycle(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := p.wait(ctx, wait); err != nil {
			return nil
		}
	}
}

// cycle runs one poll cycle and returns how long to wait before the next one.
// Panics are converted into poller_fatal errors.
func (p *Poller) cycle(ctx context.Context) (wait time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Poll cycle panicked", "panic", r, "stack", string(debug.Stack()))
			err = errors.NewError(errors.ErrorTypePollerFatal, "poll cycle panicked").
				WithCause(fmt.Errorf("%v", r)).
				WithDetail("instance", p.config.Instance)
			p.recordFailure(err)
		}
	}()

	start := p.now()
	since := p.currentVersion()

	// Cancellation is honoured between cycles only; a started cycle is
	// bounded by FetchTimeout alone.
	spanCtx, span := p.tracer.StartPollSpan(context.WithoutCancel(ctx), p.config.Instance, since)
	outcome, pollErr := p.poll(spanCtx, since)
	p.metrics.PollDuration.WithLabelValues(p.config.Instance).Observe(p.now().Sub(start).Seconds())

	if pollErr != nil {
		telemetry.EndPollSpan(span, OutcomeFailed, pollErr)
		p.metrics.PollsTotal.WithLabelValues(p.config.Instance, OutcomeFailed).Inc()
		p.metrics.PollFailures.WithLabelValues(p.config.Instance, string(errors.TypeOf(pollErr))).Inc()
		p.recordFailure(pollErr)

		delay := p.backoff.Next()
		p.logger.Warn("Poll cycle failed",
			"error", pollErr,
			"attempt", p.backoff.Attempt(),
			"retryIn", delay)
		p.setState(StateBackoffWait)
		return delay, nil
	}

	telemetry.EndPollSpan(span, outcome, nil)
	p.metrics.PollsTotal.WithLabelValues(p.config.Instance, outcome).Inc()
	p.recordSuccess()
	p.backoff.Reset()
	p.setState(StateIdle)
	return p.config.PollInterval, nil
}

// poll performs Fetching, Verifying, Building and Publishing
func (p *Poller) poll(ctx context.Context, since uint64) (string, error) {
	p.setState(StateFetching)
	res, err := p.fetch(ctx, since)
	if err != nil {
		return OutcomeFailed, err
	}
	if p.store.Current() != nil && res.Version == since {
		p.logger.Debug("Registry unchanged", "version", since)
		return OutcomeUnchanged, nil
	}
	telemetry.SetAttributes(ctx, telemetry.AttrVersion.Int64(int64(res.Version)))

	p.setState(StateVerifying)
	if !p.verifier.Verify(res.Payload, res.Certificate) {
		p.metrics.VerificationFailures.WithLabelValues(p.config.Instance).Inc()
		return OutcomeFailed, errors.NewError(errors.ErrorTypeVerification, "registry certificate does not verify").
			WithDetail("instance", p.config.Instance).
			WithDetail("version", res.Version)
	}
	payload, err := targets.DecodePayload(res.Payload, res.Version)
	if err != nil {
		p.metrics.VerificationFailures.WithLabelValues(p.config.Instance).Inc()
		return OutcomeFailed, err
	}

	p.setState(StateBuilding)
	built, err := targets.Build(p.config.Instance, payload.Records)
	if err != nil {
		return OutcomeFailed, err
	}
	for _, recErr := range built.Errors {
		p.logger.Warn("Skipping malformed registry record", "version", res.Version, "error", recErr)
	}
	if built.Skipped > 0 {
		p.metrics.DecodeSkips.WithLabelValues(p.config.Instance).Add(float64(built.Skipped))
	}
	p.mu.Lock()
	p.decodeSkips = built.Skipped
	p.mu.Unlock()
	telemetry.SetAttributes(ctx,
		telemetry.AttrTargets.Int(len(built.Targets)),
		telemetry.AttrSkipped.Int(built.Skipped))

	p.setState(StatePublishing)
	snap := &core.Snapshot{
		Instance:  p.config.Instance,
		Version:   res.Version,
		Targets:   built.Targets,
		FetchedAt: p.now(),
		Skipped:   built.Skipped,
	}
	if err := p.store.Publish(snap); err != nil {
		if stderrors.Is(err, snapshot.ErrStale) {
			p.metrics.StalePublishes.WithLabelValues(p.config.Instance).Inc()
			p.logger.Info("Discarding stale registry state",
				"version", res.Version,
				"current", p.currentVersion())
			return OutcomeStale, nil
		}
		return OutcomeFailed, errors.NewError(errors.ErrorTypeInternal, "publish failed").WithCause(err)
	}

	p.metrics.SnapshotVersion.WithLabelValues(p.config.Instance).Set(float64(snap.Version))
	p.metrics.SnapshotTargets.WithLabelValues(p.config.Instance).Set(float64(len(snap.Targets)))
	p.metrics.SnapshotTimestamp.WithLabelValues(p.config.Instance).Set(float64(snap.FetchedAt.Unix()))
	p.logger.Info("Published snapshot",
		"version", snap.Version,
		"targets", len(snap.Targets),
		"skipped", snap.Skipped)

	if p.mirror != nil {
		if err := p.mirror.Mirror(ctx, snap); err != nil {
			telemetry.RecordError(ctx, err)
			p.metrics.MirrorWrites.WithLabelValues(p.config.Instance, "error").Inc()
			p.logger.Warn("Failed to mirror snapshot", "version", snap.Version, "error", err)
		} else {
			p.metrics.MirrorWrites.WithLabelValues(p.config.Instance, "ok").Inc()
		}
	}

	return OutcomePublished, nil
}

func (p *Poller) fetch(ctx context.Context, since uint64) (*core.FetchResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
	defer cancel()

	res, err := p.client.Fetch(fetchCtx, since)
	if err != nil {
		if stderrors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.NewError(errors.ErrorTypeFetch, "registry fetch timed out").
				WithCause(errors.NewError(errors.ErrorTypeTimeout, p.config.FetchTimeout.String()).WithCause(err)).
				WithDetail("instance", p.config.Instance)
		}
		if errors.IsType(err, errors.ErrorTypeFetch) {
			return nil, err
		}
		return nil, errors.NewError(errors.ErrorTypeFetch, "registry fetch failed").
			WithCause(err).
			WithDetail("instance", p.config.Instance)
	}
	if res == nil {
		return nil, errors.NewError(errors.ErrorTypeFetch, "registry returned no state").
			WithDetail("instance", p.config.Instance)
	}
	return res, nil
}

// wait sleeps for d, returning early with nil when the client signals a
// change while idle, or with ctx's error on cancellation.
func (p *Poller) wait(ctx context.Context, d time.Duration) error {
	var changes <-chan struct{}
	if n, ok := p.client.(core.Notifier); ok && p.State() == StateIdle {
		changes = n.Changes()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-changes:
		p.logger.Debug("Registry change signalled, polling early")
		return nil
	}
}

func (p *Poller) currentVersion() uint64 {
	if snap := p.store.Current(); snap != nil {
		return snap.Version
	}
	return 0
}

func (p *Poller) recordSuccess() {
	now := p.now()
	p.mu.Lock()
	p.lastSuccess = &now
	p.consecutiveFailures = 0
	p.mu.Unlock()
	p.metrics.ConsecutiveFailures.WithLabelValues(p.config.Instance).Set(0)
}

func (p *Poller) recordFailure(err error) {
	p.mu.Lock()
	p.lastError = err.Error()
	p.consecutiveFailures++
	n := p.consecutiveFailures
	p.mu.Unlock()
	p.metrics.ConsecutiveFailures.WithLabelValues(p.config.Instance).Set(float64(n))
}

// Status reports the poller's view of its instance. State and Restarts are
// owned by the supervisor and left empty.
func (p *Poller) Status() core.InstanceStatus {
	p.mu.RLock()
	st := core.InstanceStatus{
		Name:                p.config.Instance,
		LastSuccess:         p.lastSuccess,
		LastError:           p.lastError,
		ConsecutiveFailures: p.consecutiveFailures,
		DecodeSkips:         p.decodeSkips,
	}
	p.mu.RUnlock()

	if snap := p.store.Current(); snap != nil {
		published := snap.FetchedAt
		st.Version = snap.Version
		st.Targets = len(snap.Targets)
		st.PublishedAt = &published
	}
	return st
}
