package otel

import (
	"go.opentelemetry.io/otel/metric"
)

// Metric names recorded by ToolObserver.
const (
	MetricInvocations   = "sandbox.tool.invocations"
	MetricRetries       = "sandbox.tool.retries"
	MetricLatency       = "sandbox.tool.latency"
	MetricCatalogBuilds = "sandbox.catalog.builds"
	MetricCatalogTools  = "sandbox.catalog.tools"
	MetricSessions      = "sandbox.session.events"
)

type instruments struct {
	invocations   metric.Int64Counter
	retries       metric.Int64Counter
	latency       metric.Float64Histogram
	catalogBuilds metric.Int64Counter
	catalogTools  metric.Int64Gauge
	sessions      metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	invocations, err := meter.Int64Counter(MetricInvocations,
		metric.WithDescription("Number of tool calls"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(MetricRetries,
		metric.WithDescription("Number of retried call attempts"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(MetricLatency,
		metric.WithDescription("Tool call and catalog build latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	builds, err := meter.Int64Counter(MetricCatalogBuilds,
		metric.WithDescription("Number of catalog builds"),
	)
	if err != nil {
		return nil, err
	}
	tools, err := meter.Int64Gauge(MetricCatalogTools,
		metric.WithDescription("Number of tools in the last catalog build"),
	)
	if err != nil {
		return nil, err
	}
	sessions, err := meter.Int64Counter(MetricSessions,
		metric.WithDescription("Number of session lifecycle events"),
	)
	if err != nil {
		return nil, err
	}
	return &instruments{
		invocations:   invocations,
		retries:       retries,
		latency:       latency,
		catalogBuilds: builds,
		catalogTools:  tools,
		sessions:      sessions,
	}, nil
}
