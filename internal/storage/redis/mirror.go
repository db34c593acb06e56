// Package redis mirrors published snapshots into Redis so that consumers
// without HTTP access can read the current target groups.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"msd/internal/core"
	"msd/internal/retry"
	"msd/internal/view"
)

// Client defines the interface for Redis operations
type Client interface {
	// Eval executes a Lua script
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	// Ping checks the connection
	Ping(ctx context.Context) error
	// Close closes the connection
	Close() error
}

// writeScript stores a snapshot only if it is newer than the mirrored one,
// so several writers sharing a server never move an instance backwards.
const writeScript = `
	local key = KEYS[1]
	local version = tonumber(ARGV[1])
	local current = tonumber(redis.call('HGET', key, 'version') or '0')

	if version <= current then
		return 0
	end

	redis.call('HSET', key, 'version', ARGV[1], 'targets', ARGV[2], 'fetchedAt', ARGV[3])

	local ttl = tonumber(ARGV[4])
	if ttl > 0 then
		redis.call('PEXPIRE', key, ttl)
	end
	return 1
`

// Config holds mirror settings
type Config struct {
	KeyPrefix string
	TTL       time.Duration
	Retry     retry.Config
}

// Mirror writes the target groups of each published snapshot to Redis
type Mirror struct {
	client  Client
	config  Config
	retrier *retry.Retrier
	logger  *slog.Logger
}

// NewMirror creates a mirror
func NewMirror(client Client, cfg Config, logger *slog.Logger) *Mirror {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "msd"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		client:  client,
		config:  cfg,
		retrier: retry.New(cfg.Retry),
		logger:  logger.With("component", "redis-mirror"),
	}
}

// Key returns the hash holding an instance's mirrored snapshot
func (m *Mirror) Key(instance string) string {
	return fmt.Sprintf("%s:targets:%s", m.config.KeyPrefix, instance)
}

// Mirror stores snap's target groups. A mirrored copy with an equal or
// newer version is kept and no error is returned.
func (m *Mirror) Mirror(ctx context.Context, snap *core.Snapshot) error {
	groups, err := json.Marshal(view.Group(snap.Targets))
	if err != nil {
		return fmt.Errorf("encode target groups: %w", err)
	}

	var written bool
	err = m.retrier.Do(ctx, func(ctx context.Context) error {
		res, err := m.client.Eval(ctx, writeScript,
			[]string{m.Key(snap.Instance)},
			snap.Version,
			string(groups),
			snap.FetchedAt.UTC().Format(time.RFC3339Nano),
			m.config.TTL.Milliseconds(),
		)
		if err != nil {
			return err
		}
		n, ok := res.(int64)
		if !ok {
			return retry.NewNonRetryableError(fmt.Errorf("unexpected script result %T", res))
		}
		written = n == 1
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror snapshot: %w", err)
	}

	if written {
		m.logger.Debug("Mirrored snapshot", "instance", snap.Instance, "version", snap.Version)
	} else {
		m.logger.Debug("Mirror already holds a newer snapshot", "instance", snap.Instance, "version", snap.Version)
	}
	return nil
}

// Ping checks that Redis is reachable
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx)
}

// Close closes the underlying client
func (m *Mirror) Close() error {
	return m.client.Close()
}
