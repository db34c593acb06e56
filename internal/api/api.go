// Package api serves the read-only discovery query surface.
package api

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"

	"msd/internal/core"
	"msd/internal/health"
	"msd/internal/metrics"
	"msd/internal/view"
	"msd/pkg/errors"
	pkgmetrics "msd/pkg/metrics"
)

var jobPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// StatusSource reports per-instance status
type StatusSource interface {
	Statuses() []core.InstanceStatus
}

// HTTPWrapper instruments the whole handler chain, e.g. with tracing spans
type HTTPWrapper interface {
	WrapHTTP(next http.Handler) http.Handler
}

// API serves discovery queries over the aggregated view
type API struct {
	view     *view.View
	statuses StatusSource
	logger   *slog.Logger

	health   *health.Handler
	metrics  *pkgmetrics.Metrics
	gatherer prometheus.Gatherer
	wrapper  HTTPWrapper
	auth     *Authenticator
}

// Option configures the API
type Option func(*API)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(api *API) { api.logger = l }
}

// WithHealth serves /health and /health/live from h
func WithHealth(h *health.Handler) Option {
	return func(api *API) { api.health = h }
}

// WithMetrics records request metrics to m and serves gatherer on /metrics
func WithMetrics(m *pkgmetrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(api *API) {
		api.metrics = m
		api.gatherer = gatherer
	}
}

// WithWrapper wraps the handler chain
func WithWrapper(w HTTPWrapper) Option {
	return func(api *API) { api.wrapper = w }
}

// WithAuth requires a valid bearer token on discovery endpoints
func WithAuth(a *Authenticator) Option {
	return func(api *API) { api.auth = a }
}

// New creates the query surface
func New(v *view.View, statuses StatusSource, opts ...Option) *API {
	api := &API{
		view:     v,
		statuses: statuses,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(api)
	}
	api.logger = api.logger.With("component", "query-api")
	return api
}

// Handler returns the routed and instrumented HTTP handler
func (api *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /instances", api.protect(http.HandlerFunc(api.handleInstances)))
	mux.Handle("GET /instances/{name}/targets", api.protect(http.HandlerFunc(api.handleInstanceTargets)))
	mux.Handle("GET /targets", api.protect(http.HandlerFunc(api.handleTargets)))

	if api.health != nil {
		mux.HandleFunc("GET /health", api.health.Health)
		mux.HandleFunc("GET /health/ready", api.health.Ready)
		mux.HandleFunc("GET /health/live", api.health.Live)
	}

	handler := api.logRequests(api.recoverPanics(mux))
	if api.metrics != nil {
		if api.gatherer != nil {
			mux.Handle("GET /metrics", metrics.Handler(api.gatherer))
		}
		handler = metrics.Middleware(api.metrics, handler)
	}
	if api.wrapper != nil {
		handler = api.wrapper.WrapHTTP(handler)
	}
	return handler
}

func (api *API) protect(next http.Handler) http.Handler {
	if api.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := api.auth.Authenticate(r); err != nil {
			api.logger.Debug("Rejected query", "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="msd"`)
			api.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (api *API) handleInstances(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, api.statuses.Statuses())
}

func (api *API) handleInstanceTargets(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !api.view.Has(name) {
		api.writeError(w, errors.NewError(errors.ErrorTypeNotFound, "unknown instance").WithDetail("instance", name))
		return
	}
	api.writeJSON(w, http.StatusOK, api.view.Groups(view.Filter{Instance: name}))
}

func (api *API) handleTargets(w http.ResponseWriter, r *http.Request) {
	job := r.URL.Query().Get("job")
	if job != "" && !jobPattern.MatchString(job) {
		api.writeError(w, errors.NewError(errors.ErrorTypeBadRequest, "invalid job name").WithDetail("job", job))
		return
	}
	api.writeJSON(w, http.StatusOK, api.view.Groups(view.Filter{Job: job}))
}

func (api *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Error("Failed to encode response", "error", err)
	}
}

func (api *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	var e *errors.Error
	if stderrors.As(err, &e) {
		status = e.HTTPStatusCode()
		message = e.Message
	}
	api.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
