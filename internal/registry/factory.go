// Package registry creates the RegistryClient of each configured instance.
package registry

import (
	"fmt"
	"log/slog"

	"msd/internal/config"
	"msd/internal/core"
	"msd/internal/registry/file"
	"msd/internal/registry/kubernetes"
	"msd/internal/registry/remote"
	"msd/pkg/errors"
)

// Options carries the shared dependencies of registry clients
type Options struct {
	Logger *slog.Logger
	// Tracer is optional
	Tracer remote.Tracer
}

// NewClient creates the client for one instance. Clients that hold
// resources implement io.Closer.
func NewClient(inst config.Instance, opts Options) (core.RegistryClient, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("instance", inst.Name)

	switch inst.Registry.Type {
	case config.RegistryHTTP:
		clientOpts := []remote.Option{
			remote.WithHeaders(inst.Registry.Headers),
			remote.WithLogger(logger),
		}
		if opts.Tracer != nil {
			clientOpts = append(clientOpts, remote.WithTracer(opts.Tracer))
		}
		c, err := remote.New(inst.Registry.URL, clientOpts...)
		if err != nil {
			return nil, configError(inst, err)
		}
		return c, nil

	case config.RegistryFile:
		c, err := file.New(inst.Registry.Path, inst.Registry.Watch, logger)
		if err != nil {
			return nil, configError(inst, err)
		}
		return c, nil

	case config.RegistryKubernetes:
		c, err := kubernetes.New(kubernetes.Config{
			Kubeconfig: inst.Registry.Kubeconfig,
			Namespace:  inst.Registry.Namespace,
			Name:       inst.Registry.Object,
			Kind:       inst.Registry.Kind,
			Key:        inst.Registry.Key,
			Watch:      inst.Registry.Watch,
		}, logger)
		if err != nil {
			return nil, configError(inst, err)
		}
		return c, nil
	}

	return nil, configError(inst, fmt.Errorf("unknown registry type: %s", inst.Registry.Type))
}

func configError(inst config.Instance, err error) error {
	return errors.NewError(errors.ErrorTypeConfig, "cannot create registry client").
		WithCause(err).
		WithDetail("instance", inst.Name)
}
