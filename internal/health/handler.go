// Package health reports the state of the discovery service over HTTP and
// the gRPC health protocol.
package health

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"msd/internal/core"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ErrDegraded marks a check failure that leaves the service usable
var ErrDegraded = stderrors.New("degraded")

// CheckTimeout bounds one round of checks
const CheckTimeout = 5 * time.Second

// Check represents a health check function
type Check func(ctx context.Context) error

// StatusSource reports the status of every registry instance
type StatusSource interface {
	Statuses() []core.InstanceStatus
}

// Checker runs named checks
type Checker struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewChecker creates a new health checker
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]Check)}
}

// RegisterCheck registers a check, replacing one of the same name
func (c *Checker) RegisterCheck(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// CheckHealth runs all checks concurrently. A check error wrapping
// ErrDegraded yields StatusDegraded, any other error StatusUnhealthy.
func (c *Checker) CheckHealth(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(checks))
	)
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := run(ctx, check)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func run(ctx context.Context, check Check) CheckResult {
	start := time.Now()
	err := check(ctx)
	res := CheckResult{Status: StatusHealthy, Duration: time.Since(start)}
	switch {
	case err == nil:
	case stderrors.Is(err, ErrDegraded):
		res.Status = StatusDegraded
		res.Error = err.Error()
	default:
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	return res
}

// Overall folds check results into one status; unhealthy wins over degraded
func Overall(results map[string]CheckResult) Status {
	status := StatusHealthy
	for _, res := range results {
		switch res.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Instances []core.InstanceStatus  `json:"instances,omitempty"`
	Version   string                 `json:"version,omitempty"`
}

// Handler serves the health endpoints
type Handler struct {
	checker *Checker
	source  StatusSource
	version string
}

// NewHandler creates a new health handler. source may be nil.
func NewHandler(checker *Checker, source StatusSource, version string) *Handler {
	return &Handler{
		checker: checker,
		source:  source,
		version: version,
	}
}

// Report runs every check and collects the instance statuses
func (h *Handler) Report(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()

	results := h.checker.CheckHealth(ctx)
	resp := HealthResponse{
		Status:    Overall(results),
		Timestamp: time.Now(),
		Checks:    results,
		Version:   h.version,
	}
	if h.source != nil {
		resp.Instances = h.source.Statuses()
	}
	return resp
}

// Health answers 200 while the service is healthy or degraded and 503
// once a check reports it unhealthy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := h.Report(r.Context())

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// Ready answers 200 once every instance has published a snapshot, so the
// query surface serves a complete view, and 503 before that.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	var pending []string
	if h.source != nil {
		for _, st := range h.source.Statuses() {
			if st.PublishedAt == nil && st.State != core.InstanceDegraded {
				pending = append(pending, st.Name)
			}
		}
	}

	code := http.StatusOK
	status := "ready"
	if len(pending) > 0 {
		code = http.StatusServiceUnavailable
		status = "waiting"
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"pending":   pending,
		"timestamp": time.Now(),
	})
}

// Live handles the liveness endpoint
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
