package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments for authorization decisions
type OTelMetrics struct {
	decisions   metric.Int64Counter
	resolutions metric.Float64Histogram
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/platinummonkey/gatehouse")

	m := &OTelMetrics{}
	var err error

	m.decisions, err = meter.Int64Counter(
		"authz.decisions",
		metric.WithDescription("Total number of permission decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authz.decisions counter: %w", err)
	}

	m.resolutions, err = meter.Float64Histogram(
		"authz.resolution.duration",
		metric.WithDescription("Permission resolution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authz.resolution.duration histogram: %w", err)
	}

	return m, nil
}

// RecordDecision records one decision with its result and whether it was org scoped
func (m *OTelMetrics) RecordDecision(ctx context.Context, result string, orgScoped bool) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.Bool("org_scoped", orgScoped),
	))
}

// RecordResolution records the duration of one resolution
func (m *OTelMetrics) RecordResolution(ctx context.Context, kind string, seconds float64) {
	if m == nil {
		return
	}
	m.resolutions.Record(ctx, seconds, metric.WithAttributes(attribute.String("kind", kind)))
}
