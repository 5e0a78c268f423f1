package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrSessionID   = attribute.Key("gowayang.session.id")
	AttrPlanVersion = attribute.Key("gowayang.plan.version")
	AttrModel       = attribute.Key("gowayang.llm.model")
	AttrRole        = attribute.Key("gowayang.llm.role")
	AttrOperations  = attribute.Key("gowayang.plan.operations")
	AttrStatus      = attribute.Key("gowayang.wayang.status")
	AttrOutcome     = attribute.Key("gowayang.outcome")
	AttrMCPMethod   = attribute.Key("gowayang.mcp.method")
	AttrMCPTool     = attribute.Key("gowayang.mcp.tool")
)

func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindInternal, attrs)
}

// StartServerSpan is used for inbound gateway and MCP requests.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindServer, attrs)
}

// StartClientSpan is used for outbound model and Wayang calls.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindClient, attrs)
}

func start(ctx context.Context, tracer trace.Tracer, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(kind))
}
