// Package ingest receives self-reported backend metrics, smooths latency
// with EWMA, persists samples to the hot and cold stores, and triggers a
// recalculation when a quorum of servers has reported fresh data.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/intouch-cp/weightd/internal/model"
)

// ErrUnknownServer marks samples for servers not present in either pool.
var ErrUnknownServer = errors.New("unknown server")

// ValidationError marks samples with out-of-range fields.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// HotStore is the shared-state side the pipeline writes through to.
type HotStore interface {
	PutMetric(ctx context.Context, m *model.MetricSample) error
	GetMetric(ctx context.Context, serverID string) (*model.MetricSample, error)
	AllMetrics(ctx context.Context) (map[string]*model.MetricSample, error)
}

// ColdStore is the durable history the pipeline appends to and recovers
// EWMA state from.
type ColdStore interface {
	InsertMetric(m *model.MetricSample) error
	LatestMetric(serverID string) (*model.MetricSample, error)
}

// Registry answers server membership questions.
type Registry interface {
	Get(id string) (model.ServerDescriptor, bool)
	All() []model.ServerDescriptor
	Len() int
}

// PolicyEvaluator checks a sample against the server's thresholds.
type PolicyEvaluator interface {
	Evaluate(serverID string, m *model.MetricSample) (string, error)
}

// Config carries the pipeline tunables.
type Config struct {
	Alpha           float64       // EWMA smoothing factor
	RecomputeWindow time.Duration // sample freshness window for the quorum check
	RecomputeQuorum float64       // fraction of servers that must have fresh samples
}

// Result is the ingest acknowledgement returned to the reporting server.
type Result struct {
	Status         string    `json:"status"`
	Message        string    `json:"message"`
	ServerID       string    `json:"serverId"`
	Timestamp      time.Time `json:"timestamp"`
	InstantLatency float64   `json:"instantLatency"`
	EwmaLatency    float64   `json:"ewmaLatency"`
}

// Pipeline is the metrics ingest service.
type Pipeline struct {
	registry Registry
	hot      HotStore
	cold     ColdStore
	policies PolicyEvaluator
	table    *EwmaTable
	cfg      Config

	// recalc receives a signal when the report quorum is met. Buffered;
	// sends never block.
	recalc chan struct{}
}

// NewPipeline wires the ingest pipeline.
func NewPipeline(registry Registry, hot HotStore, cold ColdStore, policies PolicyEvaluator, table *EwmaTable, cfg Config) *Pipeline {
	return &Pipeline{
		registry: registry,
		hot:      hot,
		cold:     cold,
		policies: policies,
		table:    table,
		cfg:      cfg,
		recalc:   make(chan struct{}, 1),
	}
}

// RecalcSignal exposes the quorum trigger for the cycle coordinator.
func (p *Pipeline) RecalcSignal() <-chan struct{} {
	return p.recalc
}

// Ingest processes one reported sample. The id from the request path is
// authoritative; a differing id in the body is overridden with a log line.
func (p *Pipeline) Ingest(ctx context.Context, serverID string, m *model.MetricSample) (*Result, error) {
	if _, ok := p.registry.Get(serverID); !ok {
		log.Printf("[ingest] warning: sample for unregistered server %q rejected", serverID)
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	if m.ServerID != "" && m.ServerID != serverID {
		log.Printf("[ingest] server id mismatch: body %q, path %q; using path", m.ServerID, serverID)
	}
	m.ServerID = serverID

	if err := validateSample(m); err != nil {
		return nil, err
	}

	m.CreatedAt = time.Now().UTC()

	prev := p.previousEwma(ctx, serverID)
	m.UpdateEWMA(prev, p.cfg.Alpha)
	p.table.Seed(serverID, *m.EwmaLatencyMs)
	m.ComputeDegradation()

	// Hot store failures degrade to cold-only operation; the sample is not lost.
	if err := p.hot.PutMetric(ctx, m); err != nil {
		log.Printf("[ingest] warning: hot store write failed for %s: %v", serverID, err)
	}
	if err := p.cold.InsertMetric(m); err != nil {
		log.Printf("[ingest] warning: cold store write failed for %s: %v", serverID, err)
	}

	if detail, err := p.policies.Evaluate(serverID, m); err != nil {
		log.Printf("[ingest] warning: threshold evaluation failed for %s: %v", serverID, err)
	} else if detail != "" {
		log.Printf("[ingest] server %s violates thresholds: %s", serverID, detail)
	}

	p.maybeTriggerRecalc(ctx)

	return &Result{
		Status:         "success",
		Message:        "Metrics recorded",
		ServerID:       serverID,
		Timestamp:      m.CreatedAt,
		InstantLatency: m.AvgResponseTimeMs,
		EwmaLatency:    *m.EwmaLatencyMs,
	}, nil
}

// previousEwma finds the prior smoothed latency: local table first, then the
// hot store, then the cold store. Nil means this is the first observation.
func (p *Pipeline) previousEwma(ctx context.Context, serverID string) *float64 {
	if v, ok := p.table.Previous(serverID); ok {
		return &v
	}
	if m, err := p.hot.GetMetric(ctx, serverID); err == nil && m != nil && m.EwmaLatencyMs != nil {
		return m.EwmaLatencyMs
	}
	if m, err := p.cold.LatestMetric(serverID); err == nil && m != nil && m.EwmaLatencyMs != nil {
		return m.EwmaLatencyMs
	}
	return nil
}

// maybeTriggerRecalc fires the recalculation signal when enough servers have
// reported within the freshness window.
func (p *Pipeline) maybeTriggerRecalc(ctx context.Context) {
	total := p.registry.Len()
	if total == 0 || p.cfg.RecomputeQuorum <= 0 {
		return
	}
	all, err := p.hot.AllMetrics(ctx)
	if err != nil {
		log.Printf("[ingest] warning: hot quorum scan failed, trying cold store: %v", err)
		all = nil
	}
	if len(all) == 0 {
		all = p.coldLatest()
	}
	now := time.Now()
	fresh := 0
	for _, m := range all {
		if m.FreshWithin(now, p.cfg.RecomputeWindow) {
			fresh++
		}
	}
	if float64(fresh)/float64(total) < p.cfg.RecomputeQuorum {
		return
	}
	select {
	case p.recalc <- struct{}{}:
		log.Printf("[ingest] report quorum met (%d/%d fresh), triggering recalculation", fresh, total)
	default:
	}
}

// coldLatest rebuilds the sample set from the durable store when the hot
// store is unavailable or empty.
func (p *Pipeline) coldLatest() map[string]*model.MetricSample {
	out := make(map[string]*model.MetricSample)
	for _, s := range p.registry.All() {
		m, err := p.cold.LatestMetric(s.ID)
		if err != nil || m == nil {
			continue
		}
		out[s.ID] = m
	}
	return out
}

func validateSample(m *model.MetricSample) error {
	if m.AvgResponseTimeMs < 0 {
		return &ValidationError{Field: "avg_response_time_ms", Msg: "must be non-negative"}
	}
	pcts := []struct {
		name  string
		value float64
	}{
		{"error_rate_percentage", m.ErrorRatePct},
		{"success_rate_percentage", m.SuccessRatePct},
		{"timeout_rate_percentage", m.TimeoutRatePct},
		{"uptime_percentage", m.UptimePct},
	}
	for _, p := range pcts {
		if p.value < 0 || p.value > 100 {
			return &ValidationError{Field: p.name, Msg: "must be between 0 and 100"}
		}
	}
	checkLatency := func(name string, v *int) error {
		if v != nil && *v < 0 {
			return &ValidationError{Field: name, Msg: "must be non-negative"}
		}
		return nil
	}
	if err := checkLatency("latency_p50", m.LatencyP50); err != nil {
		return err
	}
	if err := checkLatency("latency_p95", m.LatencyP95); err != nil {
		return err
	}
	if err := checkLatency("latency_p99", m.LatencyP99); err != nil {
		return err
	}
	if m.RequestsPerMinute != nil && *m.RequestsPerMinute < 0 {
		return &ValidationError{Field: "requests_per_minute", Msg: "must be non-negative"}
	}
	return nil
}
