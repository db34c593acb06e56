package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds discovery service configuration
type Config struct {
	Discovery Discovery `yaml:"discovery"`
}

// Discovery configuration
type Discovery struct {
	Server     Server      `yaml:"server"`
	Auth       *Auth       `yaml:"auth,omitempty"`
	GRPCHealth *GRPCHealth `yaml:"grpcHealth,omitempty"`
	Defaults   Defaults    `yaml:"defaults"`
	Supervisor Supervisor  `yaml:"supervisor"`
	Telemetry  Telemetry   `yaml:"telemetry"`
	Mirror     *Mirror     `yaml:"mirror,omitempty"`
	Instances  []Instance  `yaml:"instances"`
}

// Server configuration for the query surface
type Server struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
}

// Auth configures bearer-token authentication on the query surface
type Auth struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Issuer  string `yaml:"issuer"`
}

// GRPCHealth configures the gRPC health service
type GRPCHealth struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Backoff configures an exponential, jittered delay
type Backoff struct {
	Base Duration `yaml:"base"`
	Max  Duration `yaml:"max"`
}

// Defaults apply to every instance that does not override them
type Defaults struct {
	PollInterval Duration `yaml:"pollInterval"`
	FetchTimeout Duration `yaml:"fetchTimeout"`
	Backoff      Backoff  `yaml:"backoff"`
}

// Supervisor configuration
type Supervisor struct {
	MaxRestarts    *int    `yaml:"maxRestarts,omitempty"`
	RestartBackoff Backoff `yaml:"restartBackoff"`
}

// RestartLimit returns MaxRestarts, or the default when it is unset. Zero
// means a failed poller is never restarted.
func (s Supervisor) RestartLimit() int {
	if s.MaxRestarts == nil {
		return DefaultMaxRestarts
	}
	return *s.MaxRestarts
}

// Telemetry configuration
type Telemetry struct {
	Enabled bool    `yaml:"enabled"`
	Service string  `yaml:"service"`
	Version string  `yaml:"version"`
	Tracing Tracing `yaml:"tracing"`
}

// Tracing configuration
type Tracing struct {
	Enabled    bool              `yaml:"enabled"`
	Endpoint   string            `yaml:"endpoint"`
	Headers    map[string]string `yaml:"headers"`
	SampleRate float64           `yaml:"sampleRate"`
}

// Mirror configures the Redis snapshot mirror
type Mirror struct {
	Enabled   bool     `yaml:"enabled"`
	Addr      string   `yaml:"addr"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"keyPrefix"`
	TTL       Duration `yaml:"ttl"`
}

// Instance describes one registry instance
type Instance struct {
	Name          string   `yaml:"name"`
	Registry      Registry `yaml:"registry"`
	PollInterval  Duration `yaml:"pollInterval"`
	FetchTimeout  Duration `yaml:"fetchTimeout"`
	Backoff       *Backoff `yaml:"backoff,omitempty"`
	PublicKey     string   `yaml:"publicKey"`
	PublicKeyFile string   `yaml:"publicKeyFile"`
	Insecure      bool     `yaml:"insecure"`
}

// Registry transport types
const (
	RegistryHTTP       = "http"
	RegistryFile       = "file"
	RegistryKubernetes = "kubernetes"
)

// Kubernetes object kinds that can hold a registry envelope
const (
	KindConfigMap = "configmap"
	KindSecret    = "secret"
)

// Registry holds the connection parameters of an instance's registry client
type Registry struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Path    string            `yaml:"path"`
	Watch   bool              `yaml:"watch"`

	// Kubernetes registries read the envelope from one key of a ConfigMap
	// or Secret. An empty kubeconfig selects the in-cluster config.
	Kubeconfig string `yaml:"kubeconfig"`
	Namespace  string `yaml:"namespace"`
	Object     string `yaml:"object"`
	Kind       string `yaml:"kind"`
	Key        string `yaml:"key"`
}

// Duration is a time.Duration written as a Go duration string in YAML
type Duration time.Duration

// UnmarshalYAML parses values such as "30s" or "1m30s"
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
