package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded along the plan/repair pipeline.
type Metrics struct {
	QueryDuration      metric.Float64Histogram
	LLMCallDuration    metric.Float64Histogram
	ExecutionDuration  metric.Float64Histogram
	RepairIterations   metric.Int64Counter
	ValidationFailures metric.Int64Counter
	ExecutionFailures  metric.Int64Counter
	TransportFaults    metric.Int64Counter
	RateLimitRejects   metric.Int64Counter
	ActiveSessions     metric.Int64UpDownCounter
}

// NewMetrics registers every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	hist := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.QueryDuration, "gowayang.query.duration", "End-to-end query duration in seconds"},
		{&m.LLMCallDuration, "gowayang.llm.duration", "Builder/debugger model call duration in seconds"},
		{&m.ExecutionDuration, "gowayang.wayang.duration", "Wayang execution request duration in seconds"},
	}
	for _, h := range hist {
		inst, err := meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return nil, err
		}
		*h.dst = inst
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.RepairIterations, "gowayang.repair.iterations", "Debugger repair attempts"},
		{&m.ValidationFailures, "gowayang.plan.invalid", "Plans rejected by the validator"},
		{&m.ExecutionFailures, "gowayang.wayang.failures", "Non-success Wayang responses"},
		{&m.TransportFaults, "gowayang.wayang.transport_faults", "Wayang requests that never got a response"},
		{&m.RateLimitRejects, "gowayang.ratelimit.rejects", "Gateway requests rejected by the rate limiter"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}

	var err error
	m.ActiveSessions, err = meter.Int64UpDownCounter("gowayang.sessions.active",
		metric.WithDescription("Queries currently being processed"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ObserveSeconds records the time elapsed since start on h. Nil-safe.
func ObserveSeconds(ctx context.Context, h metric.Float64Histogram, start time.Time, attrs ...attribute.KeyValue) {
	if h == nil {
		return
	}
	h.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
}

// Inc adds one to c. Nil-safe.
func Inc(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
