package otel

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/sandbox/tool"
)

// NewTracerProvider returns a provider exporting spans over OTLP/HTTP to
// endpoint (host:port or a full URL). Callers must Shutdown it to flush.
func NewTracerProvider(ctx context.Context, endpoint, service string) (*sdktrace.TracerProvider, error) {
	var opts []otlptracehttp.Option
	switch {
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	default:
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: create exporter: %w", err)
	}
	res := resource.NewSchemaless(attribute.String("service.name", service))
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// Caller runs a batch of tool calls. Sandboxes and catalogs implement it.
type Caller interface {
	CallTool(ctx context.Context, reqs []tool.CallRequest, cc tool.CallContext) []tool.CallResult
}

// TracingCaller wraps a Caller with one span per batch and a child span
// per call. Results carry the trace and span ids in their metadata.
type TracingCaller struct {
	next   Caller
	tracer trace.Tracer
}

// NewTracingCaller wraps next.
func NewTracingCaller(next Caller, tracer trace.Tracer) *TracingCaller {
	return &TracingCaller{next: next, tracer: tracer}
}

// CallTool runs reqs one at a time, in order, each under its own span.
func (c *TracingCaller) CallTool(ctx context.Context, reqs []tool.CallRequest, cc tool.CallContext) []tool.CallResult {
	ctx, batch := c.tracer.Start(ctx, "sandbox.call_batch", trace.WithAttributes(
		attribute.Int("batch_size", len(reqs)),
		attribute.String("task_id", cc.TaskID),
		attribute.String("session_id", cc.SessionID),
	))
	defer batch.End()

	out := make([]tool.CallResult, 0, len(reqs))
	failed := 0
	for _, req := range reqs {
		res := c.call(ctx, req, cc)
		if !res.Success {
			failed++
		}
		out = append(out, res)
	}
	batch.SetAttributes(attribute.Int("failed", failed))
	if failed > 0 {
		batch.SetStatus(codes.Error, fmt.Sprintf("%d of %d calls failed", failed, len(reqs)))
	} else {
		batch.SetStatus(codes.Ok, "")
	}
	return out
}

func (c *TracingCaller) call(ctx context.Context, req tool.CallRequest, cc tool.CallContext) tool.CallResult {
	ctx, span := c.tracer.Start(ctx, "tool.call "+req.Key(), trace.WithAttributes(
		attribute.String("server", req.Server),
		attribute.String("tool", req.Tool),
	))
	defer span.End()

	results := c.next.CallTool(ctx, []tool.CallRequest{req}, cc)
	var res tool.CallResult
	if len(results) > 0 {
		res = results[0]
	} else {
		res = tool.NewLocalResult(req, false, nil, "no result")
	}

	annotate(&res, span.SpanContext())
	if res.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetAttributes(attribute.String("error_code", res.ErrorCode))
		span.RecordError(callError(res.Error))
		span.SetStatus(codes.Error, res.Error)
	}
	return res
}

// annotate stores the span identity in the result metadata.
func annotate(res *tool.CallResult, sc trace.SpanContext) {
	if !sc.IsValid() {
		return
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["trace_id"] = sc.TraceID().String()
	res.Metadata["span_id"] = sc.SpanID().String()
}

type callError string

func (e callError) Error() string { return string(e) }
