package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the discovery service
type Metrics struct {
	// Query surface metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Poller metrics
	PollsTotal           *prometheus.CounterVec
	PollFailures         *prometheus.CounterVec
	PollDuration         *prometheus.HistogramVec
	VerificationFailures *prometheus.CounterVec
	DecodeSkips          *prometheus.CounterVec
	StalePublishes       *prometheus.CounterVec
	SnapshotVersion      *prometheus.GaugeVec
	SnapshotTargets      *prometheus.GaugeVec
	SnapshotTimestamp    *prometheus.GaugeVec
	ConsecutiveFailures  *prometheus.GaugeVec

	// Supervisor metrics
	Restarts *prometheus.CounterVec
	Degraded *prometheus.GaugeVec

	// Mirror metrics
	MirrorWrites *prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msd_http_requests_total",
				Help: "Total number of query surface requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "msd_http_request_duration_seconds",
				Help:    "Query surface request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		PollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msd_polls_total",
				Help: "Total number of poll cycles by outcome",
			},
			[]string{"instance", "outcome"},
		),
		PollFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msd_poll_failures_total",
				Help: "Total number of failed poll cycles by error type",
			},
			[]string{"instance", "error_type"},
		),
		PollDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "msd_poll_duration_seconds",
				Help:    "Duration of poll cycles in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"instance"},
		),
		VerificationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msd_verification_failures_total",
				Help: "Total number of registry payloads that failed certificate verification",
			},
			[]string{"instance"},
		),
		DecodeSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msd_record_decode_skips_total",
				Help: "Total number of registry records skipped as malformed",
			},
			[]string{"instance"},
		),
		StalePublishes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msd_stale_publishes_total",
				Help: "Total number of snapshots discarded because a newer version was current",
			},
			[]string{"instance"},
		),
		SnapshotVersion: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "msd_snapshot_version",
				Help: "Registry version of the current snapshot",
			},
			[]string{"instance"},
		),
		SnapshotTargets: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "msd_snapshot_targets",
				Help: "Number of targets in the current snapshot",
			},
			[]string{"instance"},
		),
		SnapshotTimestamp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "msd_snapshot_timestamp_seconds",
				Help: "Unix time at which the current snapshot was fetched",
			},
			[]string{"instance"},
		),
		ConsecutiveFailures: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "msd_consecutive_failures",
				Help: "Number of consecutive failed poll cycles",
			},
			[]string{"instance"},
		),

		Restarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msd_poller_restarts_total",
				Help: "Total number of poller restarts after a fatal error",
			},
			[]string{"instance"},
		),
		Degraded: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "msd_instance_degraded",
				Help: "Whether an instance has exhausted its restarts (1) or not (0)",
			},
			[]string{"instance"},
		),

		MirrorWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msd_mirror_writes_total",
				Help: "Total number of snapshot mirror writes by outcome",
			},
			[]string{"instance", "outcome"},
		),
	}
}
