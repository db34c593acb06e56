package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"msd/pkg/errors"
)

// DefaultMaxRestarts applies when maxRestarts is absent
const DefaultMaxRestarts = 5

const (
	defaultPort           = 8000
	defaultPollInterval   = 30 * time.Second
	defaultFetchTimeout   = 10 * time.Second
	defaultBackoffBase    = time.Second
	defaultBackoffMax     = 2 * time.Minute
	defaultRestartBase    = time.Second
	defaultRestartMax     = time.Minute
	defaultServerTimeouts = 10 * time.Second
	defaultMirrorPrefix   = "msd"
	defaultKubernetesKey  = "registry.json"
	ed25519PublicKeyHex   = 64
)

var instanceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// Loader loads configuration from file
type Loader struct {
	path       string
	envEnabled bool
}

// NewLoader creates a config loader
func NewLoader(path string) *Loader {
	return &Loader{
		path:       path,
		envEnabled: true,
	}
}

// WithEnvVars enables or disables environment variable loading
func (l *Loader) WithEnvVars(enabled bool) *Loader {
	l.envEnabled = enabled
	return l
}

// Load reads, defaults and validates the configuration. Every failure is a
// config error.
func (l *Loader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeConfig, "failed to read config file").WithCause(err)
	}
	return l.parse(data)
}

func (l *Loader) parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.NewError(errors.ErrorTypeConfig, "failed to parse config").WithCause(err)
	}

	if l.envEnabled {
		if err := LoadEnv(&cfg); err != nil {
			return nil, errors.NewError(errors.ErrorTypeConfig, "failed to load env vars").WithCause(err)
		}
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, errors.NewError(errors.ErrorTypeConfig, "invalid configuration").WithCause(err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	d := &cfg.Discovery

	if d.Server.Host == "" {
		d.Server.Host = "0.0.0.0"
	}
	if d.Server.Port == 0 {
		d.Server.Port = defaultPort
	}
	if d.Server.ReadTimeout == 0 {
		d.Server.ReadTimeout = Duration(defaultServerTimeouts)
	}
	if d.Server.WriteTimeout == 0 {
		d.Server.WriteTimeout = Duration(defaultServerTimeouts)
	}

	if d.Defaults.PollInterval == 0 {
		d.Defaults.PollInterval = Duration(defaultPollInterval)
	}
	if d.Defaults.FetchTimeout == 0 {
		d.Defaults.FetchTimeout = Duration(defaultFetchTimeout)
	}
	defaultBackoff(&d.Defaults.Backoff, defaultBackoffBase, defaultBackoffMax)

	if d.Supervisor.MaxRestarts == nil {
		n := DefaultMaxRestarts
		d.Supervisor.MaxRestarts = &n
	}
	defaultBackoff(&d.Supervisor.RestartBackoff, defaultRestartBase, defaultRestartMax)

	if d.Telemetry.Service == "" {
		d.Telemetry.Service = "msd"
	}

	if d.Mirror != nil && d.Mirror.KeyPrefix == "" {
		d.Mirror.KeyPrefix = defaultMirrorPrefix
	}

	for i := range d.Instances {
		inst := &d.Instances[i]
		if inst.PollInterval == 0 {
			inst.PollInterval = d.Defaults.PollInterval
		}
		if inst.FetchTimeout == 0 {
			inst.FetchTimeout = d.Defaults.FetchTimeout
		}
		if inst.Backoff == nil {
			b := d.Defaults.Backoff
			inst.Backoff = &b
		} else {
			defaultBackoff(inst.Backoff, d.Defaults.Backoff.Base.Std(), d.Defaults.Backoff.Max.Std())
		}
		if inst.Registry.Type == RegistryKubernetes {
			if inst.Registry.Kind == "" {
				inst.Registry.Kind = KindConfigMap
			}
			if inst.Registry.Key == "" {
				inst.Registry.Key = defaultKubernetesKey
			}
		}
	}
}

func defaultBackoff(b *Backoff, base, max time.Duration) {
	if b.Base == 0 {
		b.Base = Duration(base)
	}
	if b.Max == 0 {
		b.Max = Duration(max)
	}
}

// validate validates the configuration
func validate(cfg *Config) error {
	d := &cfg.Discovery

	if d.Server.Port < 1 || d.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", d.Server.Port)
	}

	if d.Auth != nil && d.Auth.Enabled && d.Auth.Secret == "" {
		return fmt.Errorf("auth: secret is required when enabled")
	}

	if d.GRPCHealth != nil && d.GRPCHealth.Enabled && (d.GRPCHealth.Port < 1 || d.GRPCHealth.Port > 65535) {
		return fmt.Errorf("grpcHealth: invalid port: %d", d.GRPCHealth.Port)
	}

	if d.Mirror != nil && d.Mirror.Enabled && d.Mirror.Addr == "" {
		return fmt.Errorf("mirror: addr is required when enabled")
	}

	if d.Supervisor.RestartLimit() < 0 {
		return fmt.Errorf("supervisor: maxRestarts must not be negative")
	}
	if err := validateBackoff(d.Supervisor.RestartBackoff); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	if len(d.Instances) == 0 {
		return fmt.Errorf("at least one instance is required")
	}

	seen := make(map[string]bool, len(d.Instances))
	for i, inst := range d.Instances {
		if inst.Name == "" {
			return fmt.Errorf("instance %d: name is required", i)
		}
		if !instanceNamePattern.MatchString(inst.Name) {
			return fmt.Errorf("instance %d: invalid name %q", i, inst.Name)
		}
		if seen[inst.Name] {
			return fmt.Errorf("instance %q: duplicate name", inst.Name)
		}
		seen[inst.Name] = true

		if err := validateInstance(inst); err != nil {
			return fmt.Errorf("instance %q: %w", inst.Name, err)
		}
	}

	return nil
}

func validateInstance(inst Instance) error {
	switch inst.Registry.Type {
	case RegistryHTTP:
		if inst.Registry.URL == "" {
			return fmt.Errorf("http registry requires url")
		}
	case RegistryFile:
		if inst.Registry.Path == "" {
			return fmt.Errorf("file registry requires path")
		}
	case RegistryKubernetes:
		r := inst.Registry
		if r.Namespace == "" || r.Object == "" {
			return fmt.Errorf("kubernetes registry requires namespace and object")
		}
		if r.Kind != KindConfigMap && r.Kind != KindSecret {
			return fmt.Errorf("kubernetes registry kind must be %s or %s, got %q", KindConfigMap, KindSecret, r.Kind)
		}
	case "":
		return fmt.Errorf("registry type is required")
	default:
		return fmt.Errorf("unknown registry type: %s", inst.Registry.Type)
	}

	if inst.PollInterval <= 0 {
		return fmt.Errorf("pollInterval must be positive")
	}
	if inst.FetchTimeout <= 0 {
		return fmt.Errorf("fetchTimeout must be positive")
	}
	if err := validateBackoff(*inst.Backoff); err != nil {
		return err
	}

	trust := 0
	if inst.PublicKey != "" {
		trust++
		if len(inst.PublicKey) != ed25519PublicKeyHex {
			return fmt.Errorf("publicKey must be %d hex characters", ed25519PublicKeyHex)
		}
		if _, err := hex.DecodeString(inst.PublicKey); err != nil {
			return fmt.Errorf("publicKey: %w", err)
		}
	}
	if inst.PublicKeyFile != "" {
		trust++
	}
	if inst.Insecure {
		trust++
	}
	if trust != 1 {
		return fmt.Errorf("exactly one of publicKey, publicKeyFile or insecure must be set")
	}

	return nil
}

func validateBackoff(b Backoff) error {
	if b.Base <= 0 || b.Max <= 0 {
		return fmt.Errorf("backoff base and max must be positive")
	}
	if b.Base > b.Max {
		return fmt.Errorf("backoff base %s exceeds max %s", b.Base.Std(), b.Max.Std())
	}
	return nil
}
