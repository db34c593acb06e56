// Package file reads registry state from a local envelope file, for
// air-gapped and test networks.
package file

import (
	"context"
	"log/slog"
	"os"

	"msd/internal/core"
	"msd/internal/registry/envelope"
	"msd/pkg/errors"
)

// Client reads the envelope at a fixed path
type Client struct {
	path    string
	watcher *Watcher
	logger  *slog.Logger
}

// New creates a client for path. With watch set, the client signals on
// Changes whenever the file is rewritten.
func New(path string, watch bool, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		path:   path,
		logger: logger.With("component", "registry-file", "path", path),
	}
	if watch {
		w, err := NewWatcher(path, DefaultDebounce, logger)
		if err != nil {
			return nil, err
		}
		w.Start()
		c.watcher = w
	}
	return c, nil
}

// Fetch reads and decodes the envelope file
func (c *Client) Fetch(ctx context.Context, since uint64) (*core.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeFetch, "read registry file").WithCause(err)
	}

	res, err := envelope.Decode(data)
	if err != nil {
		return nil, err
	}
	if res.Version == since {
		return &core.FetchResult{Version: since}, nil
	}
	return res, nil
}

// Changes signals file modifications. It never fires when watching is disabled.
func (c *Client) Changes() <-chan struct{} {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.Changes()
}

// Close stops the watcher, if any
func (c *Client) Close() error {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.Stop()
}
