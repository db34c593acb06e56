package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"msd/internal/config"
	"msd/internal/core"
)

type staticSource []core.InstanceStatus

func (s staticSource) Statuses() []core.InstanceStatus { return s }

func newRecordingTelemetry() (*Telemetry, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &Telemetry{
		tracer:     tp.Tracer("test"),
		propagator: propagation.TraceContext{},
	}, recorder
}

func TestNew_Disabled(t *testing.T) {
	registry := prometheus.NewRegistry()

	tel, err := New(config.Telemetry{Service: "msd"}, registry)
	if err != nil {
		t.Fatalf("New failed for disabled telemetry: %v", err)
	}
	if tel.tracer == nil || tel.meter == nil {
		t.Fatal("Expected tracer and meter even when disabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func gaugeValue(t *testing.T, registry *prometheus.Registry, name, network string) (float64, bool) {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "network" && lp.GetValue() == network {
					return m.GetGauge().GetValue(), true
				}
			}
		}
	}
	return 0, false
}

func TestRegisterDefinitionMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	tel, err := New(config.Telemetry{Service: "msd"}, registry)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	now := time.Now()
	source := staticSource{
		{Name: "mainnet", LastSuccess: &now, PublishedAt: &now},
		{Name: "testnet", LastSuccess: &now, PublishedAt: &now, ConsecutiveFailures: 2},
		{Name: "devnet", ConsecutiveFailures: 1},
	}
	if _, err := tel.RegisterDefinitionMetrics(source); err != nil {
		t.Fatalf("RegisterDefinitionMetrics failed: %v", err)
	}

	tests := []struct {
		network    string
		wantSynced float64
		wantLoaded float64
	}{
		{"mainnet", 1, 1},
		{"testnet", 0, 1},
		{"devnet", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.network, func(t *testing.T) {
			synced, ok := gaugeValue(t, registry, "msd_definitions_sync_successful", tt.network)
			if !ok {
				t.Fatal("sync gauge not exported")
			}
			if synced != tt.wantSynced {
				t.Errorf("sync = %v, want %v", synced, tt.wantSynced)
			}
			loaded, ok := gaugeValue(t, registry, "msd_definitions_load_successful", tt.network)
			if !ok {
				t.Fatal("load gauge not exported")
			}
			if loaded != tt.wantLoaded {
				t.Errorf("load = %v, want %v", loaded, tt.wantLoaded)
			}
		})
	}
}

func TestPollSpan(t *testing.T) {
	tel, recorder := newRecordingTelemetry()

	_, span := tel.StartPollSpan(context.Background(), "mainnet", 7)
	EndPollSpan(span, "failed", errors.New("boom"))

	_, span = tel.StartPollSpan(context.Background(), "mainnet", 7)
	EndPollSpan(span, "published", nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "poll_cycle" {
		t.Errorf("span name = %s", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("failed cycle status = %v, want Error", spans[0].Status().Code)
	}
	if spans[1].Status().Code != codes.Ok {
		t.Errorf("published cycle status = %v, want Ok", spans[1].Status().Code)
	}

	var instance string
	for _, kv := range spans[1].Attributes() {
		if kv.Key == AttrInstance {
			instance = kv.Value.AsString()
		}
	}
	if instance != "mainnet" {
		t.Errorf("instance attribute = %q", instance)
	}
}

func TestRecordError(t *testing.T) {
	tel, recorder := newRecordingTelemetry()

	ctx, span := tel.StartPollSpan(context.Background(), "mainnet", 1)
	RecordError(ctx, errors.New("redis unavailable"))
	span.End()

	RecordError(context.Background(), errors.New("no span"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status().Code)
	}
	if len(spans[0].Events()) != 1 || spans[0].Events()[0].Name != "exception" {
		t.Errorf("events = %v", spans[0].Events())
	}
}

func TestWrapHTTP(t *testing.T) {
	tel, recorder := newRecordingTelemetry()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /instances/{name}/targets", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {})
	handler := tel.WrapHTTP(mux)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/instances/alpha/targets", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "GET /instances/{name}/targets" {
		t.Errorf("span name = %q, want route pattern", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status().Code)
	}
}

func TestStartHTTPClientSpan_InjectsTraceContext(t *testing.T) {
	tel, _ := newRecordingTelemetry()

	req := httptest.NewRequest(http.MethodGet, "http://registry.example.org/api/v1/registry", nil)
	_, span := tel.StartHTTPClientSpan(context.Background(), req)
	defer span.End()

	if req.Header.Get("traceparent") == "" {
		t.Error("Expected traceparent header to be injected")
	}
}
