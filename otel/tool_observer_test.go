package otel_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"

	sandboxotel "github.com/petal-labs/sandbox/otel"
	"github.com/petal-labs/sandbox/tool"
)

func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	return reader, metric.NewMeterProvider(metric.WithReader(reader))
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s type = %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestToolObserverRecordsMetrics(t *testing.T) {
	reader, mp := newTestMeter()
	observer, err := sandboxotel.NewToolObserver(mp.Meter("test"), noop.NewTracerProvider().Tracer("test"))
	if err != nil {
		t.Fatalf("NewToolObserver() error = %v", err)
	}

	observer.ObserveCatalog(tool.CatalogObservation{Servers: 3, Tools: 12, FailedServers: []string{"git"}, DurationMS: 40})
	observer.ObserveInvoke(tool.InvokeObservation{
		Server: "git", Tool: "status", Transport: tool.TransportStdio,
		Attempts: 2, DurationMS: 120, ErrorCode: tool.ToolErrorCodeTimeout,
	})
	observer.ObserveInvoke(tool.InvokeObservation{
		Server: "filesystem", Tool: "read_file", Transport: "builtin", Attempts: 1, DurationMS: 1, Success: true,
	})
	observer.ObserveRetry(tool.RetryObservation{
		Server: "git", Tool: "status", Transport: tool.TransportStdio, Attempt: 1, ErrorCode: tool.ToolErrorCodeTimeout,
	})
	observer.ObserveSession(tool.SessionObservation{Server: "git", Transport: tool.TransportStdio, Event: tool.SessionEvicted})

	rm := collectMetrics(t, reader)
	for name, want := range map[string]int64{
		sandboxotel.MetricInvocations:   2,
		sandboxotel.MetricRetries:       1,
		sandboxotel.MetricCatalogBuilds: 1,
		sandboxotel.MetricSessions:      1,
	} {
		m := findMetric(rm, name)
		if m == nil {
			t.Fatalf("%s metric not found", name)
		}
		if got := sumOf(t, m); got != want {
			t.Fatalf("%s = %d, want %d", name, got, want)
		}
	}

	latency := findMetric(rm, sandboxotel.MetricLatency)
	if latency == nil {
		t.Fatalf("%s metric not found", sandboxotel.MetricLatency)
	}
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("%s type = %T, want Histogram[float64]", sandboxotel.MetricLatency, latency.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Fatalf("latency samples = %d, want 3", count)
	}

	tools := findMetric(rm, sandboxotel.MetricCatalogTools)
	gauge, ok := tools.Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 12 {
		t.Fatalf("%s = %#v", sandboxotel.MetricCatalogTools, tools.Data)
	}
}

func TestToolObserverSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	_, mp := newTestMeter()
	observer, err := sandboxotel.NewToolObserver(mp.Meter("test"), tp.Tracer("test"))
	if err != nil {
		t.Fatalf("NewToolObserver() error = %v", err)
	}

	observer.ObserveInvoke(tool.InvokeObservation{Server: "git", Tool: "log", Success: true})
	observer.ObserveInvoke(tool.InvokeObservation{Server: "git", Tool: "push", ErrorCode: tool.ToolErrorCodeUpstreamFailure})
	observer.ObserveSession(tool.SessionObservation{Server: "git", Event: tool.SessionDialFailed, ErrorCode: tool.ToolErrorCodeTransportFailure})

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	if spans[0].Name != "tool.invoke" || spans[0].Status.Code != codes.Ok {
		t.Fatalf("span[0] = %s %v", spans[0].Name, spans[0].Status)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != tool.ToolErrorCodeUpstreamFailure {
		t.Fatalf("span[1] status = %v", spans[1].Status)
	}
	if spans[2].Name != "session.dial_failed" || spans[2].Status.Code != codes.Error {
		t.Fatalf("span[2] = %s %v", spans[2].Name, spans[2].Status)
	}
}

func TestNilToolObserverIsSafe(t *testing.T) {
	var observer *sandboxotel.ToolObserver
	observer.ObserveCatalog(tool.CatalogObservation{})
	observer.ObserveInvoke(tool.InvokeObservation{})
	observer.ObserveRetry(tool.RetryObservation{})
	observer.ObserveSession(tool.SessionObservation{})
}
