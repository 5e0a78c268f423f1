package otel

import (
	"context"
	"testing"
	"time"
)

func TestNewMetrics_RegistersInstruments(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	checks := map[string]bool{
		"QueryDuration":      m.QueryDuration != nil,
		"LLMCallDuration":    m.LLMCallDuration != nil,
		"ExecutionDuration":  m.ExecutionDuration != nil,
		"RepairIterations":   m.RepairIterations != nil,
		"ValidationFailures": m.ValidationFailures != nil,
		"ExecutionFailures":  m.ExecutionFailures != nil,
		"TransportFaults":    m.TransportFaults != nil,
		"RateLimitRejects":   m.RateLimitRejects != nil,
		"ActiveSessions":     m.ActiveSessions != nil,
	}
	for name, ok := range checks {
		if !ok {
			t.Errorf("%s is nil", name)
		}
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	ctx := context.Background()
	ObserveSeconds(ctx, m.QueryDuration, time.Now(), AttrOutcome.String("success"))
	Inc(ctx, m.RepairIterations, AttrSessionID.String("s-1"))
}

func TestHelpers_NilInstruments(t *testing.T) {
	var m Metrics
	ObserveSeconds(context.Background(), m.LLMCallDuration, time.Now())
	Inc(context.Background(), m.TransportFaults)
}
