package app

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"msd/internal/api"
	"msd/internal/config"
	"msd/internal/health"
	"msd/internal/poller"
	"msd/internal/registry"
	"msd/internal/retry"
	"msd/internal/snapshot"
	redismirror "msd/internal/storage/redis"
	"msd/internal/supervisor"
	"msd/internal/telemetry"
	"msd/internal/verify"
	"msd/internal/view"
	"msd/pkg/metrics"
)

// Builder builds the discovery application
type Builder struct {
	config   *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	version  string
	mirror   redismirror.Client
}

// NewBuilder creates a new application builder
func NewBuilder(cfg *config.Config, logger *slog.Logger) *Builder {
	return &Builder{
		config: cfg,
		logger: logger,
	}
}

// WithRegistry sets the Prometheus registry all metrics are registered in
func (b *Builder) WithRegistry(r *prometheus.Registry) *Builder {
	b.registry = r
	return b
}

// WithVersion sets the version reported by the health endpoint
func (b *Builder) WithVersion(v string) *Builder {
	b.version = v
	return b
}

// WithMirrorClient replaces the Redis connection created from the mirror config
func (b *Builder) WithMirrorClient(c redismirror.Client) *Builder {
	b.mirror = c
	return b
}

// Build wires every component. Any configuration error is returned before
// a poller exists.
func (b *Builder) Build() (_ *Server, err error) {
	d := &b.config.Discovery

	promRegistry := b.registry
	if promRegistry == nil {
		promRegistry = prometheus.NewRegistry()
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := metrics.NewWithRegistry(promRegistry)

	tel, err := telemetry.New(d.Telemetry, promRegistry)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry: %w", err)
	}

	var closers []io.Closer
	defer func() {
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
		}
	}()

	var mirror *redismirror.Mirror
	if d.Mirror != nil && d.Mirror.Enabled {
		client := b.mirror
		if client == nil {
			client = redismirror.NewClientFromConfig(d.Mirror)
		}
		mirror = redismirror.NewMirror(client, redismirror.Config{
			KeyPrefix: d.Mirror.KeyPrefix,
			TTL:       d.Mirror.TTL.Std(),
			Retry:     retry.DefaultConfig(),
		}, b.logger)
		closers = append(closers, mirror)
		b.logger.Info("Snapshot mirror enabled", "addr", d.Mirror.Addr, "prefix", d.Mirror.KeyPrefix)
	}

	stores := make([]*snapshot.Store, 0, len(d.Instances))
	runners := make([]supervisor.Runner, 0, len(d.Instances))
	for _, inst := range d.Instances {
		verifier, err := verify.FromConfig(inst, b.logger)
		if err != nil {
			return nil, err
		}

		client, err := registry.NewClient(inst, registry.Options{Logger: b.logger, Tracer: tel})
		if err != nil {
			return nil, err
		}
		if c, ok := client.(io.Closer); ok {
			closers = append(closers, c)
		}

		store := snapshot.NewStore(inst.Name)
		stores = append(stores, store)

		opts := []poller.Option{
			poller.WithLogger(b.logger),
			poller.WithMetrics(m),
			poller.WithTracer(tel),
		}
		if mirror != nil {
			opts = append(opts, poller.WithMirror(mirror))
		}
		runners = append(runners, poller.New(poller.Config{
			Instance:     inst.Name,
			PollInterval: inst.PollInterval.Std(),
			FetchTimeout: inst.FetchTimeout.Std(),
			Backoff:      backoffConfig(*inst.Backoff),
		}, client, verifier, store, opts...))

		b.logger.Info("Registry instance configured",
			"instance", inst.Name,
			"registry", inst.Registry.Type,
			"pollInterval", inst.PollInterval.Std(),
		)
	}

	sup := supervisor.New(supervisor.Config{
		MaxRestarts:    d.Supervisor.RestartLimit(),
		RestartBackoff: backoffConfig(d.Supervisor.RestartBackoff),
	}, runners, b.logger, m)

	definitions, err := tel.RegisterDefinitionMetrics(sup)
	if err != nil {
		return nil, fmt.Errorf("registering definition metrics: %w", err)
	}

	checker := health.NewChecker()
	health.RegisterInstanceChecks(checker, sup)
	if mirror != nil {
		checker.RegisterCheck("redis", health.DependencyCheck(mirror.Ping))
	}

	apiOpts := []api.Option{
		api.WithLogger(b.logger),
		api.WithHealth(health.NewHandler(checker, sup, b.version)),
		api.WithMetrics(m, promRegistry),
		api.WithWrapper(tel),
	}
	if d.Auth != nil && d.Auth.Enabled {
		apiOpts = append(apiOpts, api.WithAuth(api.NewAuthenticator(d.Auth.Secret, d.Auth.Issuer)))
		b.logger.Info("Query authentication enabled", "issuer", d.Auth.Issuer)
	}
	queryAPI := api.New(view.New(stores...), sup, apiOpts...)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(d.Server.Host, strconv.Itoa(d.Server.Port)),
		Handler:      queryAPI.Handler(),
		ReadTimeout:  d.Server.ReadTimeout.Std(),
		WriteTimeout: d.Server.WriteTimeout.Std(),
	}

	var grpcServer *health.GRPCServer
	var grpcAddr string
	if g := d.GRPCHealth; g != nil && g.Enabled {
		grpcServer = health.NewGRPCServer(sup, health.DefaultSyncInterval, b.logger)
		grpcAddr = net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
	}

	return &Server{
		config:      b.config,
		supervisor:  sup,
		httpServer:  httpServer,
		grpcServer:  grpcServer,
		grpcAddr:    grpcAddr,
		telemetry:   tel,
		definitions: definitions,
		closers:     closers,
		logger:      b.logger,
	}, nil
}

func backoffConfig(b config.Backoff) retry.Config {
	return retry.Config{
		InitialDelay: b.Base.Std(),
		MaxDelay:     b.Max.Std(),
		Multiplier:   2,
		Jitter:       retry.DefaultJitter,
	}
}
