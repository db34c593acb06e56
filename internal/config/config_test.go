package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"msd/pkg/errors"
)

const testKey = "3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29"

func loadYAML(t *testing.T, body string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "msd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return NewLoader(path).WithEnvVars(false).Load()
}

func TestConfig_LoadFromYAML(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config gets defaults",
			yaml: `
discovery:
  instances:
    - name: mainnet
      registry:
        type: http
        url: https://registry.example.org
      publicKey: "` + testKey + `"
`,
			check: func(t *testing.T, cfg *Config) {
				d := cfg.Discovery
				if d.Server.Port != 8000 {
					t.Errorf("Expected default port 8000, got %d", d.Server.Port)
				}
				inst := d.Instances[0]
				if inst.PollInterval.Std() != 30*time.Second {
					t.Errorf("PollInterval = %v", inst.PollInterval.Std())
				}
				if inst.FetchTimeout.Std() != 10*time.Second {
					t.Errorf("FetchTimeout = %v", inst.FetchTimeout.Std())
				}
				if inst.Backoff == nil || inst.Backoff.Base.Std() != time.Second || inst.Backoff.Max.Std() != 2*time.Minute {
					t.Errorf("Backoff = %+v", inst.Backoff)
				}
				if d.Supervisor.RestartLimit() != DefaultMaxRestarts {
					t.Errorf("RestartLimit = %d", d.Supervisor.RestartLimit())
				}
			},
		},
		{
			name: "kubernetes registry defaults",
			yaml: `
discovery:
  instances:
    - name: cluster
      registry: {type: kubernetes, namespace: msd, object: registry}
      insecure: true
`,
			check: func(t *testing.T, cfg *Config) {
				r := cfg.Discovery.Instances[0].Registry
				if r.Kind != KindConfigMap || r.Key != "registry.json" {
					t.Errorf("Registry = %+v", r)
				}
			},
		},
		{
			name: "kubernetes registry without object",
			yaml: `
discovery:
  instances:
    - name: cluster
      registry: {type: kubernetes, namespace: msd}
      insecure: true
`,
			wantErr: "requires namespace and object",
		},
		{
			name: "kubernetes registry unknown kind",
			yaml: `
discovery:
  instances:
    - name: cluster
      registry: {type: kubernetes, namespace: msd, object: registry, kind: pod}
      insecure: true
`,
			wantErr: "kind must be configmap or secret",
		},
		{
			name: "instance overrides",
			yaml: `
discovery:
  defaults:
    pollInterval: 1m
    backoff: {base: 2s, max: 30s}
  instances:
    - name: mainnet
      registry: {type: http, url: "https://a"}
      pollInterval: 15s
      backoff: {base: 500ms}
      insecure: true
    - name: testnet
      registry: {type: file, path: /tmp/testnet.json, watch: true}
      insecure: true
`,
			check: func(t *testing.T, cfg *Config) {
				a, b := cfg.Discovery.Instances[0], cfg.Discovery.Instances[1]
				if a.PollInterval.Std() != 15*time.Second {
					t.Errorf("mainnet PollInterval = %v", a.PollInterval.Std())
				}
				if a.Backoff.Base.Std() != 500*time.Millisecond || a.Backoff.Max.Std() != 30*time.Second {
					t.Errorf("mainnet Backoff = %+v", a.Backoff)
				}
				if b.PollInterval.Std() != time.Minute {
					t.Errorf("testnet PollInterval = %v", b.PollInterval.Std())
				}
				if !b.Registry.Watch {
					t.Error("testnet watch should be true")
				}
			},
		},
		{
			name:    "no instances",
			yaml:    "discovery: {}\n",
			wantErr: "at least one instance",
		},
		{
			name: "duplicate names",
			yaml: `
discovery:
  instances:
    - {name: a, registry: {type: http, url: "https://a"}, insecure: true}
    - {name: a, registry: {type: http, url: "https://b"}, insecure: true}
`,
			wantErr: "duplicate name",
		},
		{
			name: "missing trust parameters",
			yaml: `
discovery:
  instances:
    - {name: a, registry: {type: http, url: "https://a"}}
`,
			wantErr: "exactly one of publicKey",
		},
		{
			name: "key and insecure together",
			yaml: `
discovery:
  instances:
    - {name: a, registry: {type: http, url: "https://a"}, insecure: true, publicKey: "` + testKey + `"}
`,
			wantErr: "exactly one of publicKey",
		},
		{
			name: "short public key",
			yaml: `
discovery:
  instances:
    - {name: a, registry: {type: http, url: "https://a"}, publicKey: "abcd"}
`,
			wantErr: "publicKey must be",
		},
		{
			name: "unknown registry type",
			yaml: `
discovery:
  instances:
    - {name: a, registry: {type: carrier-pigeon}, insecure: true}
`,
			wantErr: "unknown registry type",
		},
		{
			name: "file registry without path",
			yaml: `
discovery:
  instances:
    - {name: a, registry: {type: file}, insecure: true}
`,
			wantErr: "requires path",
		},
		{
			name: "invalid instance name",
			yaml: `
discovery:
  instances:
    - {name: "main net", registry: {type: http, url: "https://a"}, insecure: true}
`,
			wantErr: "invalid name",
		},
		{
			name: "backoff base above max",
			yaml: `
discovery:
  instances:
    - {name: a, registry: {type: http, url: "https://a"}, insecure: true, backoff: {base: 1m, max: 1s}}
`,
			wantErr: "exceeds max",
		},
		{
			name: "malformed duration",
			yaml: `
discovery:
  defaults:
    pollInterval: often
  instances:
    - {name: a, registry: {type: http, url: "https://a"}, insecure: true}
`,
			wantErr: "invalid duration",
		},
		{
			name: "unknown field",
			yaml: `
discovery:
  instances:
    - {name: a, registry: {type: http, url: "https://a"}, insecure: true, pollInterva: 1s}
`,
			wantErr: "field pollInterva not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadYAML(t, tt.yaml)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error %q does not contain %q", err, tt.wantErr)
				}
				if !errors.IsType(err, errors.ErrorTypeConfig) {
					t.Errorf("expected config error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "msd.yaml")
	data := `
discovery:
  server:
    port: 9000
  instances:
    - name: mainnet
      registry: {type: http, url: "https://registry.example.org"}
      insecure: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MSD_DISCOVERY_SERVER_PORT", "9100")

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discovery.Server.Port != 9100 {
		t.Errorf("env override not applied, port = %d", cfg.Discovery.Server.Port)
	}

	cfg, err = NewLoader(path).WithEnvVars(false).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discovery.Server.Port != 9000 {
		t.Errorf("env override applied while disabled, port = %d", cfg.Discovery.Server.Port)
	}
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	if !errors.IsType(err, errors.ErrorTypeConfig) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	v, err := Duration(90 * time.Second).MarshalYAML()
	if err != nil {
		t.Fatal(err)
	}
	if v != "1m30s" {
		t.Errorf("MarshalYAML() = %v", v)
	}
}

func TestConfig_MaxRestarts(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    int
		wantErr bool
	}{
		{name: "absent uses default", line: "", want: DefaultMaxRestarts},
		{name: "zero disables restarts", line: "  supervisor: {maxRestarts: 0}\n", want: 0},
		{name: "explicit", line: "  supervisor: {maxRestarts: 2}\n", want: 2},
		{name: "negative rejected", line: "  supervisor: {maxRestarts: -1}\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadYAML(t, "discovery:\n"+tt.line+`  instances:
    - name: mainnet
      registry: {type: http, url: "https://a"}
      insecure: true
`)
			if tt.wantErr {
				if !errors.IsType(err, errors.ErrorTypeConfig) {
					t.Fatalf("Load() = %v, want config error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() = %v", err)
			}
			if got := cfg.Discovery.Supervisor.RestartLimit(); got != tt.want {
				t.Errorf("RestartLimit = %d, want %d", got, tt.want)
			}
		})
	}
}
