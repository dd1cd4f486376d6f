// Package otel records sandbox tool activity with OpenTelemetry.
package otel

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/sandbox/tool"
)

// ToolObserver implements tool.Observer on top of a meter and an optional
// tracer.
type ToolObserver struct {
	tracer trace.Tracer
	m      *instruments
}

// NewToolObserver creates an observer bound to meter. tracer may be nil.
func NewToolObserver(meter metric.Meter, tracer trace.Tracer) (*ToolObserver, error) {
	m, err := newInstruments(meter)
	if err != nil {
		return nil, err
	}
	return &ToolObserver{tracer: tracer, m: m}, nil
}

// ObserveCatalog records one catalog build.
func (o *ToolObserver) ObserveCatalog(observation tool.CatalogObservation) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.Int("servers", observation.Servers),
		attribute.Int("failed_servers", len(observation.FailedServers)),
	}

	ctx := context.Background()
	o.m.catalogBuilds.Add(ctx, 1, metric.WithAttributes(attrs...))
	o.m.catalogTools.Record(ctx, int64(observation.Tools))
	o.m.latency.Record(ctx, seconds(observation.DurationMS),
		metric.WithAttributes(attribute.String("operation", "catalog.build")))

	o.span("catalog.build", attrs, func(span trace.Span) string {
		span.SetAttributes(attribute.Int("tools", observation.Tools))
		if len(observation.FailedServers) == 0 {
			return ""
		}
		span.SetAttributes(attribute.String("failed", strings.Join(observation.FailedServers, ",")))
		return "servers unavailable"
	})
}

// ObserveInvoke records one call outcome.
func (o *ToolObserver) ObserveInvoke(observation tool.InvokeObservation) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("server", observation.Server),
		attribute.String("tool", observation.Tool),
		attribute.String("transport", string(observation.Transport)),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.m.invocations.Add(ctx, 1, options)
	o.m.latency.Record(ctx, seconds(observation.DurationMS), options)

	o.span("tool.invoke", attrs, func(span trace.Span) string {
		span.SetAttributes(attribute.Int("attempts", observation.Attempts))
		if observation.Success {
			return ""
		}
		if observation.ErrorCode == "" {
			return "call failed"
		}
		return observation.ErrorCode
	})
}

// ObserveRetry records one failed attempt that will be retried.
func (o *ToolObserver) ObserveRetry(observation tool.RetryObservation) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("server", observation.Server),
		attribute.String("tool", observation.Tool),
		attribute.String("transport", string(observation.Transport)),
		attribute.Int("attempt", observation.Attempt),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}
	o.m.retries.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveSession records one session lifecycle event.
func (o *ToolObserver) ObserveSession(observation tool.SessionObservation) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("server", observation.Server),
		attribute.String("transport", string(observation.Transport)),
		attribute.String("event", string(observation.Event)),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}
	o.m.sessions.Add(context.Background(), 1, metric.WithAttributes(attrs...))

	o.span("session."+string(observation.Event), attrs, func(trace.Span) string {
		return observation.ErrorCode
	})
}

// span emits an already finished span. Observations arrive after the fact,
// so only the outcome is recorded, not the timing. fn returns the error
// status description, empty for success.
func (o *ToolObserver) span(name string, attrs []attribute.KeyValue, fn func(trace.Span) string) {
	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(attrs...))
	if msg := fn(span); msg != "" {
		span.SetStatus(codes.Error, msg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func seconds(ms int64) float64 {
	return (time.Duration(ms) * time.Millisecond).Seconds()
}

var _ tool.Observer = (*ToolObserver)(nil)
