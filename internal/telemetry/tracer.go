package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys
const (
	AttrInstance = attribute.Key("msd.instance")
	AttrVersion  = attribute.Key("msd.registry.version")
	AttrTargets  = attribute.Key("msd.targets")
	AttrSkipped  = attribute.Key("msd.records.skipped")
	AttrOutcome  = attribute.Key("msd.poll.outcome")
)

// StartPollSpan starts the span covering one poll cycle of an instance
func (t *Telemetry) StartPollSpan(ctx context.Context, instance string, since uint64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "poll_cycle",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrInstance.String(instance),
			attribute.Int64("msd.registry.since", int64(since)),
		),
	)
}

// EndPollSpan ends a poll span with its outcome
func EndPollSpan(span trace.Span, outcome string, err error) {
	if span.IsRecording() {
		span.SetAttributes(AttrOutcome.String(outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
	span.End()
}

// StartHTTPServerSpan starts a new HTTP server span
func (t *Telemetry) StartHTTPServerSpan(r *http.Request) (context.Context, trace.Span) {
	ctx := t.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	return t.tracer.Start(ctx,
		fmt.Sprintf("%s %s", r.Method, r.URL.Path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("client.address", r.RemoteAddr),
			attribute.String("user_agent.original", r.UserAgent()),
		),
	)
}

// EndHTTPServerSpan ends an HTTP server span with status
func EndHTTPServerSpan(span trace.Span, statusCode int) {
	if span.IsRecording() {
		span.SetAttributes(attribute.Int("http.response.status_code", statusCode))
		if statusCode >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", statusCode))
		}
	}
	span.End()
}

// StartHTTPClientSpan starts a client span and injects the trace context into req
func (t *Telemetry) StartHTTPClientSpan(ctx context.Context, req *http.Request) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx,
		fmt.Sprintf("HTTP %s %s", req.Method, req.URL.Host),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", req.URL.Host),
			attribute.String("url.full", req.URL.String()),
		),
	)
	t.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
	return ctx, span
}

// EndHTTPClientSpan ends an HTTP client span with the response or error
func EndHTTPClientSpan(span trace.Span, resp *http.Response, err error) {
	if span.IsRecording() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if resp != nil {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			if resp.StatusCode >= 400 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
			}
		}
	}
	span.End()
}
