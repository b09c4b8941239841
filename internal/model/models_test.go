package model

import (
	"math"
	"testing"
	"time"
)

func TestServerAddress(t *testing.T) {
	s := ServerDescriptor{Host: "a.example.com"}
	if got := s.Address(); got != "a.example.com" {
		t.Errorf("Address = %q", got)
	}
	s.Port = 8443
	if got := s.Address(); got != "a.example.com:8443" {
		t.Errorf("Address with port = %q", got)
	}
}

func TestPoolValid(t *testing.T) {
	if !PoolIncoming.Valid() || !PoolOutgoing.Valid() {
		t.Error("known pools must be valid")
	}
	if Pool("sideways").Valid() {
		t.Error("unknown pool must be invalid")
	}
}

func TestUpdateEWMA(t *testing.T) {
	m := &MetricSample{AvgResponseTimeMs: 200}
	m.UpdateEWMA(nil, 0.3)
	if m.EwmaLatencyMs == nil || *m.EwmaLatencyMs != 200 {
		t.Fatalf("first sample should seed the series, got %v", m.EwmaLatencyMs)
	}

	prev := 100.0
	m.UpdateEWMA(&prev, 0.3)
	if math.Abs(*m.EwmaLatencyMs-130) > 1e-9 {
		t.Errorf("EWMA = %g, want 130", *m.EwmaLatencyMs)
	}
}

func TestEffectiveLatency(t *testing.T) {
	m := &MetricSample{AvgResponseTimeMs: 250}
	if got := m.EffectiveLatency(); got != 250 {
		t.Errorf("without EWMA: %g", got)
	}
	v := 180.0
	m.EwmaLatencyMs = &v
	if got := m.EffectiveLatency(); got != 180 {
		t.Errorf("with EWMA: %g", got)
	}
}

func TestComputeDegradation(t *testing.T) {
	m := &MetricSample{
		AvgResponseTimeMs: 700, // capped at 500
		ErrorRatePct:      2,
		TimeoutRatePct:    1,
		UptimePct:         95,
	}
	m.ComputeDegradation()
	want := 500.0 + 40 + 20 + 10
	if math.Abs(m.DegradationScore-want) > 1e-9 {
		t.Errorf("DegradationScore = %g, want %g", m.DegradationScore, want)
	}
}

func TestFreshWithin(t *testing.T) {
	now := time.Now()
	m := &MetricSample{CreatedAt: now.Add(-time.Minute)}
	if !m.FreshWithin(now, 5*time.Minute) {
		t.Error("one-minute-old sample should be fresh in a 5m window")
	}
	if m.FreshWithin(now, 30*time.Second) {
		t.Error("one-minute-old sample should be stale in a 30s window")
	}
}

func TestWeightAllocationActive(t *testing.T) {
	if (WeightAllocation{Weight: 0}).Active() {
		t.Error("zero weight must be inactive")
	}
	if !(WeightAllocation{Weight: 1}).Active() {
		t.Error("positive weight must be active")
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy("s-1")
	if !p.DynamicEnabled || p.FixedWeight != nil || p.AutoRemoval {
		t.Errorf("default policy = %+v", p)
	}
	if p.MaxViolations != DefaultMaxViolations {
		t.Errorf("MaxViolations = %d, want %d", p.MaxViolations, DefaultMaxViolations)
	}
	if p.Removed() {
		t.Error("default policy must not be removed")
	}
	p.AutoRemoved = true
	if !p.Removed() {
		t.Error("auto-removed policy must report removed")
	}
}
