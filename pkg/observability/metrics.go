// Package observability exposes registry and activation metrics through an
// OpenTelemetry meter backed by the Prometheus exporter.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/troupe-dev/troupe/pkg/event"
)

// Metrics holds the instruments. The zero value is a no-op, so callers never
// need to branch on whether metrics are enabled.
type Metrics struct {
	registrations        metric.Int64Counter
	registrationFailures metric.Int64Counter
	activations          metric.Int64Counter
	deactivations        metric.Int64Counter
	expirations          metric.Int64Counter
	conflicts            metric.Int64Counter
	activationDuration   metric.Float64Histogram
}

// Init sets up the Prometheus exporter and creates the instruments. With
// enabled false it returns a no-op Metrics.
func Init(enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("troupe")

	m := &Metrics{}

	if m.registrations, err = meter.Int64Counter(
		"troupe_agent_registrations_total",
		metric.WithDescription("Total successful agent registrations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create registrations counter: %w", err)
	}

	if m.registrationFailures, err = meter.Int64Counter(
		"troupe_agent_registration_failures_total",
		metric.WithDescription("Total failed agent registrations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create registration failures counter: %w", err)
	}

	if m.activations, err = meter.Int64Counter(
		"troupe_agent_activations_total",
		metric.WithDescription("Total agent activations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activations counter: %w", err)
	}

	if m.deactivations, err = meter.Int64Counter(
		"troupe_agent_deactivations_total",
		metric.WithDescription("Total agent deactivations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create deactivations counter: %w", err)
	}

	if m.expirations, err = meter.Int64Counter(
		"troupe_session_expirations_total",
		metric.WithDescription("Total sessions removed by the expiry sweep"),
	); err != nil {
		return nil, fmt.Errorf("failed to create expirations counter: %w", err)
	}

	if m.conflicts, err = meter.Int64Counter(
		"troupe_activation_conflicts_total",
		metric.WithDescription("Total activation conflicts surfaced to callers"),
	); err != nil {
		return nil, fmt.Errorf("failed to create conflicts counter: %w", err)
	}

	if m.activationDuration, err = meter.Float64Histogram(
		"troupe_activation_duration_seconds",
		metric.WithDescription("Activation call duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	return m, nil
}

// HandleEvent increments the counter matching a lifecycle event. Wired as an
// event bus subscriber.
func (m *Metrics) HandleEvent(ev event.Event) {
	ctx := context.Background()
	switch ev.Type {
	case event.TypeRegistered:
		if m.registrations != nil {
			m.registrations.Add(ctx, 1)
		}
	case event.TypeRegistrationFailed:
		if m.registrationFailures != nil {
			m.registrationFailures.Add(ctx, 1)
		}
	case event.TypeActivated:
		if m.activations != nil {
			m.activations.Add(ctx, 1)
		}
	case event.TypeDeactivated:
		if m.deactivations != nil {
			m.deactivations.Add(ctx, 1)
		}
	case event.TypeSessionExpired:
		if m.expirations != nil {
			m.expirations.Add(ctx, 1)
		}
	case event.TypeConflict:
		if m.conflicts != nil {
			m.conflicts.Add(ctx, 1)
		}
	}
}

// ObserveActivation records the duration of one activation call.
func (m *Metrics) ObserveActivation(d time.Duration) {
	if m.activationDuration == nil {
		return
	}
	m.activationDuration.Record(context.Background(), d.Seconds())
}
