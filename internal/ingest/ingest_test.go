package ingest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/intouch-cp/weightd/internal/model"
	"github.com/intouch-cp/weightd/internal/registry"
)

type fakeHot struct {
	metrics map[string]*model.MetricSample
	putErr  error
}

func newFakeHot() *fakeHot {
	return &fakeHot{metrics: make(map[string]*model.MetricSample)}
}

func (f *fakeHot) PutMetric(_ context.Context, m *model.MetricSample) error {
	if f.putErr != nil {
		return f.putErr
	}
	cp := *m
	f.metrics[m.ServerID] = &cp
	return nil
}

func (f *fakeHot) GetMetric(_ context.Context, serverID string) (*model.MetricSample, error) {
	return f.metrics[serverID], nil
}

func (f *fakeHot) AllMetrics(_ context.Context) (map[string]*model.MetricSample, error) {
	return f.metrics, nil
}

type fakeCold struct {
	inserted []*model.MetricSample
	latest   map[string]*model.MetricSample
}

func newFakeCold() *fakeCold {
	return &fakeCold{latest: make(map[string]*model.MetricSample)}
}

func (f *fakeCold) InsertMetric(m *model.MetricSample) error {
	cp := *m
	f.inserted = append(f.inserted, &cp)
	f.latest[m.ServerID] = &cp
	return nil
}

func (f *fakeCold) LatestMetric(serverID string) (*model.MetricSample, error) {
	return f.latest[serverID], nil
}

type fakeEvaluator struct {
	detail string
	calls  int
}

func (f *fakeEvaluator) Evaluate(_ string, _ *model.MetricSample) (string, error) {
	f.calls++
	return f.detail, nil
}

func testRegistry(ids ...string) *registry.Registry {
	var seed []model.ServerDescriptor
	for _, id := range ids {
		seed = append(seed, model.ServerDescriptor{
			ID: id, Host: "10.0.0.1", Port: 8080, Enabled: true, Pool: model.PoolIncoming,
		})
	}
	return registry.New(seed...)
}

func testPipeline(t *testing.T, reg *registry.Registry, hot *fakeHot, cold *fakeCold) *Pipeline {
	t.Helper()
	table := NewEwmaTable(16)
	t.Cleanup(table.Close)
	return NewPipeline(reg, hot, cold, &fakeEvaluator{}, table, Config{
		Alpha:           0.3,
		RecomputeWindow: 2 * time.Minute,
		RecomputeQuorum: 0.8,
	})
}

func sample(rtMs float64) *model.MetricSample {
	return &model.MetricSample{
		AvgResponseTimeMs: rtMs,
		ErrorRatePct:      1,
		SuccessRatePct:    99,
		TimeoutRatePct:    0,
		UptimePct:         100,
	}
}

func TestIngestFirstSampleSeedsEwma(t *testing.T) {
	hot, cold := newFakeHot(), newFakeCold()
	p := testPipeline(t, testRegistry("srv-1"), hot, cold)

	res, err := p.Ingest(context.Background(), "srv-1", sample(200))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Status != "success" || res.ServerID != "srv-1" {
		t.Errorf("result = %+v", res)
	}
	if res.InstantLatency != 200 || res.EwmaLatency != 200 {
		t.Errorf("first sample should seed EWMA with the instant value: %+v", res)
	}
	if len(cold.inserted) != 1 {
		t.Errorf("cold inserts = %d", len(cold.inserted))
	}
	if hot.metrics["srv-1"] == nil {
		t.Error("hot store not written")
	}
	if hot.metrics["srv-1"].DegradationScore == 0 {
		t.Error("degradation score not computed")
	}
}

func TestIngestEwmaSmoothing(t *testing.T) {
	hot, cold := newFakeHot(), newFakeCold()
	p := testPipeline(t, testRegistry("srv-1"), hot, cold)
	ctx := context.Background()

	if _, err := p.Ingest(ctx, "srv-1", sample(100)); err != nil {
		t.Fatal(err)
	}
	res, err := p.Ingest(ctx, "srv-1", sample(200))
	if err != nil {
		t.Fatal(err)
	}
	// 0.3*200 + 0.7*100 = 130
	if math.Abs(res.EwmaLatency-130) > 1e-9 {
		t.Errorf("EwmaLatency = %g, want 130", res.EwmaLatency)
	}
}

func TestIngestEwmaRecoveryFromStores(t *testing.T) {
	hot, cold := newFakeHot(), newFakeCold()
	p := testPipeline(t, testRegistry("srv-1"), hot, cold)
	ctx := context.Background()

	// Prior EWMA exists only in the hot store (e.g. after a restart).
	prior := 300.0
	hot.metrics["srv-1"] = &model.MetricSample{ServerID: "srv-1", EwmaLatencyMs: &prior}

	res, err := p.Ingest(ctx, "srv-1", sample(100))
	if err != nil {
		t.Fatal(err)
	}
	// 0.3*100 + 0.7*300 = 240
	if math.Abs(res.EwmaLatency-240) > 1e-9 {
		t.Errorf("EwmaLatency = %g, want 240 (recovered from hot store)", res.EwmaLatency)
	}

	// Cold-store fallback when the hot store is empty too.
	p2 := testPipeline(t, testRegistry("srv-2"), newFakeHot(), cold)
	coldPrior := 500.0
	cold.latest["srv-2"] = &model.MetricSample{ServerID: "srv-2", EwmaLatencyMs: &coldPrior}
	res, err = p2.Ingest(ctx, "srv-2", sample(100))
	if err != nil {
		t.Fatal(err)
	}
	// 0.3*100 + 0.7*500 = 380
	if math.Abs(res.EwmaLatency-380) > 1e-9 {
		t.Errorf("EwmaLatency = %g, want 380 (recovered from cold store)", res.EwmaLatency)
	}
}

func TestIngestUnknownServer(t *testing.T) {
	p := testPipeline(t, testRegistry("srv-1"), newFakeHot(), newFakeCold())
	_, err := p.Ingest(context.Background(), "ghost", sample(100))
	if !errors.Is(err, ErrUnknownServer) {
		t.Errorf("err = %v, want ErrUnknownServer", err)
	}
}

func TestIngestPathIDWins(t *testing.T) {
	hot := newFakeHot()
	p := testPipeline(t, testRegistry("srv-1"), hot, newFakeCold())
	m := sample(100)
	m.ServerID = "other"
	res, err := p.Ingest(context.Background(), "srv-1", m)
	if err != nil {
		t.Fatal(err)
	}
	if res.ServerID != "srv-1" || hot.metrics["srv-1"] == nil {
		t.Errorf("path id should override body id: %+v", res)
	}
}

func TestIngestValidation(t *testing.T) {
	p := testPipeline(t, testRegistry("srv-1"), newFakeHot(), newFakeCold())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*model.MetricSample)
	}{
		{"negative response time", func(m *model.MetricSample) { m.AvgResponseTimeMs = -1 }},
		{"error rate over 100", func(m *model.MetricSample) { m.ErrorRatePct = 101 }},
		{"negative success rate", func(m *model.MetricSample) { m.SuccessRatePct = -1 }},
		{"uptime over 100", func(m *model.MetricSample) { m.UptimePct = 100.5 }},
		{"negative p95", func(m *model.MetricSample) { v := -5; m.LatencyP95 = &v }},
		{"negative rpm", func(m *model.MetricSample) { v := -1; m.RequestsPerMinute = &v }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := sample(100)
			tc.mutate(m)
			_, err := p.Ingest(ctx, "srv-1", m)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestIngestSurvivesHotStoreFailure(t *testing.T) {
	hot := newFakeHot()
	hot.putErr = errors.New("connection refused")
	cold := newFakeCold()
	p := testPipeline(t, testRegistry("srv-1"), hot, cold)

	res, err := p.Ingest(context.Background(), "srv-1", sample(100))
	if err != nil {
		t.Fatalf("hot store failure must not fail the ingest: %v", err)
	}
	if res.Status != "success" {
		t.Errorf("status = %q", res.Status)
	}
	if len(cold.inserted) != 1 {
		t.Error("cold store should still receive the sample")
	}
}

func TestIngestQuorumTrigger(t *testing.T) {
	hot, cold := newFakeHot(), newFakeCold()
	reg := testRegistry("a", "b", "c", "d", "e")
	p := testPipeline(t, reg, hot, cold)
	ctx := context.Background()

	// 4 of 5 reporting meets the 80% quorum; 3 of 5 does not.
	for _, id := range []string{"a", "b", "c"} {
		if _, err := p.Ingest(ctx, id, sample(100)); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-p.RecalcSignal():
		t.Fatal("quorum signal fired below threshold")
	default:
	}

	if _, err := p.Ingest(ctx, "d", sample(100)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-p.RecalcSignal():
	default:
		t.Fatal("quorum signal missing at 4/5 fresh reports")
	}
}

func TestQuorumFallsBackToColdStore(t *testing.T) {
	hot := newFakeHot()
	hot.putErr = errors.New("connection refused") // hot store stays empty
	cold := newFakeCold()
	p := testPipeline(t, testRegistry("srv-1"), hot, cold)

	if _, err := p.Ingest(context.Background(), "srv-1", sample(100)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-p.RecalcSignal():
	default:
		t.Fatal("quorum must be counted from the cold store when the hot store is empty")
	}
}

func TestEwmaTableBounded(t *testing.T) {
	table := NewEwmaTable(4)
	defer table.Close()
	for _, id := range []string{"a", "b", "c", "d"} {
		table.Seed(id, 100)
	}
	if table.Size() > 4 {
		t.Errorf("table size %d exceeds bound", table.Size())
	}
	if v, ok := table.Previous("a"); ok && v != 100 {
		t.Errorf("Previous(a) = %g", v)
	}
	table.Forget("a")
	if _, ok := table.Previous("a"); ok {
		t.Error("Forget did not remove entry")
	}
}
