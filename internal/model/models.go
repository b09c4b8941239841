// Package model defines the domain structs shared across the control plane.
package model

import (
	"math"
	"strconv"
	"time"
)

// Pool identifies one of the two independent backend groups.
type Pool string

const (
	PoolIncoming Pool = "incoming"
	PoolOutgoing Pool = "outgoing"
)

// Valid reports whether p is one of the two known pools.
func (p Pool) Valid() bool {
	return p == PoolIncoming || p == PoolOutgoing
}

// ServerDescriptor identifies a backend server in one of the pools.
type ServerDescriptor struct {
	ID      string `json:"id" yaml:"id"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Pool    Pool   `json:"pool" yaml:"-"`
}

// Address returns host or host:port when a port is configured.
func (s ServerDescriptor) Address() string {
	if s.Port == 0 {
		return s.Host
	}
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// MetricSample is one self-reported health/performance observation.
// Rate fields are percentages in [0,100]; latencies are milliseconds.
type MetricSample struct {
	ServerID          string    `json:"server_id"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	ErrorRatePct      float64   `json:"error_rate_percentage"`
	SuccessRatePct    float64   `json:"success_rate_percentage"`
	TimeoutRatePct    float64   `json:"timeout_rate_percentage"`
	UptimePct         float64   `json:"uptime_percentage"`
	LatencyP50        *int      `json:"latency_p50,omitempty"`
	LatencyP95        *int      `json:"latency_p95,omitempty"`
	LatencyP99        *int      `json:"latency_p99,omitempty"`
	RequestsPerMinute *int      `json:"requests_per_minute,omitempty"`
	WindowTimestamp   int64     `json:"window_timestamp,omitempty"`
	CreatedAt         time.Time `json:"created_at"`

	// Derived on ingest.
	EwmaLatencyMs    *float64 `json:"ewma_latency_ms,omitempty"`
	DegradationScore float64  `json:"degradation_score"`
}

// EffectiveLatency is the EWMA latency when available, else the instantaneous one.
func (m *MetricSample) EffectiveLatency() float64 {
	if m.EwmaLatencyMs != nil {
		return *m.EwmaLatencyMs
	}
	return m.AvgResponseTimeMs
}

// UpdateEWMA computes L = alpha*M + (1-alpha)*Lprev and stores it on the sample.
// With no previous value the instantaneous latency seeds the series.
func (m *MetricSample) UpdateEWMA(previous *float64, alpha float64) {
	if previous == nil {
		v := m.AvgResponseTimeMs
		m.EwmaLatencyMs = &v
		return
	}
	v := alpha*m.AvgResponseTimeMs + (1-alpha)**previous
	m.EwmaLatencyMs = &v
}

// ComputeDegradation derives the degradation score:
// min(500, rt) + 20*error + 20*timeout + 2*(100-uptime).
func (m *MetricSample) ComputeDegradation() {
	score := math.Min(500, m.AvgResponseTimeMs)
	score += m.ErrorRatePct * 20
	score += m.TimeoutRatePct * 20
	score += (100 - m.UptimePct) * 2
	m.DegradationScore = score
}

// FreshWithin reports whether the sample was created within maxAge of now.
func (m *MetricSample) FreshWithin(now time.Time, maxAge time.Duration) bool {
	return m.CreatedAt.After(now.Add(-maxAge))
}

// WeightAllocation is the per-server output of one weight calculation cycle.
type WeightAllocation struct {
	ServerID     string    `json:"server_id"`
	Address      string    `json:"address"`
	Weight       int       `json:"weight"`
	HealthScore  float64   `json:"health_score"`
	Reason       string    `json:"reason"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// Active reports whether the server should receive traffic.
func (w WeightAllocation) Active() bool {
	return w.Weight > 0
}

// InstanceHeartbeat is the liveness record one instance publishes to shared state.
type InstanceHeartbeat struct {
	InstanceID string    `json:"instance_id"`
	LastSeen   time.Time `json:"last_seen"`
	Status     string    `json:"status"`
}
