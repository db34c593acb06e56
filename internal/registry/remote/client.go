// Package remote fetches registry state from an instance's HTTP registry endpoint.
package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"msd/internal/core"
	"msd/internal/registry/envelope"
	"msd/internal/telemetry"
	"msd/pkg/errors"
)

// RegistryPath is the endpoint serving the current envelope
const RegistryPath = "/api/v1/registry"

// MaxBodySize caps the size of an envelope
const MaxBodySize = 32 << 20

// Tracer starts client spans for outgoing requests
type Tracer interface {
	StartHTTPClientSpan(ctx context.Context, req *http.Request) (context.Context, trace.Span)
}

// Client fetches envelopes over HTTP
type Client struct {
	endpoint   *url.URL
	headers    map[string]string
	httpClient *http.Client
	tracer     Tracer
	logger     *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithHeaders sets static headers sent with every request
func WithHeaders(h map[string]string) Option {
	return func(cl *Client) { cl.headers = h }
}

// WithTracer enables client spans
func WithTracer(t Tracer) Option {
	return func(cl *Client) { cl.tracer = t }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a client for the registry at baseURL
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse registry url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported registry url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + RegistryPath

	c := &Client{
		endpoint: u,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "registry-client", "endpoint", c.endpoint.Host)
	return c, nil
}

// Fetch requests the registry state newer than since. A 304 response is
// reported as an unchanged result.
func (c *Client) Fetch(ctx context.Context, since uint64) (*core.FetchResult, error) {
	u := *c.endpoint
	q := u.Query()
	q.Set("since", strconv.FormatUint(since, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeFetch, "build registry request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.StartHTTPClientSpan(ctx, req)
		req = req.WithContext(ctx)
	}

	resp, err := c.httpClient.Do(req)
	if span != nil {
		telemetry.EndHTTPClientSpan(span, resp, err)
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeFetch, "registry request failed").WithCause(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return &core.FetchResult{Version: since}, nil
	case http.StatusOK:
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, errors.NewError(errors.ErrorTypeFetch, "unexpected registry response").
			WithDetail("status", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeFetch, "read registry response").WithCause(err)
	}
	if len(body) > MaxBodySize {
		return nil, errors.NewError(errors.ErrorTypeFetch, "registry response too large").
			WithDetail("limit", MaxBodySize)
	}

	res, err := envelope.Decode(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Fetched registry envelope", "version", res.Version, "bytes", len(body))
	return res, nil
}
