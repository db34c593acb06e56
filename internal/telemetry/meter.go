package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"msd/internal/core"
)

// StatusSource reports the current status of every registry instance
type StatusSource interface {
	Statuses() []core.InstanceStatus
}

// DefinitionMetrics exposes per-network sync and load gauges. A network is
// synced when its most recent poll cycle succeeded, and loaded once it has
// published a snapshot.
type DefinitionMetrics struct {
	registration metric.Registration
}

// RegisterDefinitionMetrics registers the observable gauges for source
func (t *Telemetry) RegisterDefinitionMetrics(source StatusSource) (*DefinitionMetrics, error) {
	synced, err := t.meter.Int64ObservableGauge(
		"msd_definitions_sync_successful",
		metric.WithDescription("Whether the last registry sync of a network succeeded (1) or not (0)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync gauge: %w", err)
	}

	loaded, err := t.meter.Int64ObservableGauge(
		"msd_definitions_load_successful",
		metric.WithDescription("Whether a network has a published target snapshot (1) or not (0)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create load gauge: %w", err)
	}

	reg, err := t.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, st := range source.Statuses() {
			attrs := metric.WithAttributes(attribute.String("network", st.Name))
			o.ObserveInt64(synced, boolToInt(st.LastSuccess != nil && st.ConsecutiveFailures == 0), attrs)
			o.ObserveInt64(loaded, boolToInt(st.PublishedAt != nil), attrs)
		}
		return nil
	}, synced, loaded)
	if err != nil {
		return nil, fmt.Errorf("failed to register definition callback: %w", err)
	}

	return &DefinitionMetrics{registration: reg}, nil
}

// Unregister stops observing the gauges
func (d *DefinitionMetrics) Unregister() error {
	return d.registration.Unregister()
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
