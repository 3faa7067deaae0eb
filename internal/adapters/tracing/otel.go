// Package tracing wires the OpenTelemetry tracer used around graph nodes
// and tool executions.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openlocus/locus"

// InitTracer installs a stdout-exporting tracer provider and returns its
// shutdown function.
func InitTracer(serviceName string) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartNodeSpan opens a span for a graph node execution.
func StartNodeSpan(ctx context.Context, node string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "graph.node",
		trace.WithAttributes(attribute.String("locus.node", node)))
}

// StartToolSpan opens a span for a tool execution.
func StartToolSpan(ctx context.Context, tool string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("locus.tool", tool)))
}
