package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/intouch-cp/weightd/internal/coldstore"
	"github.com/intouch-cp/weightd/internal/ingest"
	"github.com/intouch-cp/weightd/internal/model"
	"github.com/intouch-cp/weightd/internal/policy"
	"github.com/intouch-cp/weightd/internal/registry"
	"github.com/intouch-cp/weightd/internal/weight"
)

const testToken = "test-admin-token"

// fakeShared backs both the admin SharedView and the ingest hot store.
type fakeShared struct {
	metrics        map[string]*model.MetricSample
	weights        map[model.Pool][]model.WeightAllocation
	weightsUpdated time.Time
	instances      []model.InstanceHeartbeat
	healthy        bool
}

func newFakeShared() *fakeShared {
	return &fakeShared{
		metrics: make(map[string]*model.MetricSample),
		weights: make(map[model.Pool][]model.WeightAllocation),
		healthy: true,
	}
}

func (f *fakeShared) Healthy(context.Context) bool { return f.healthy }

func (f *fakeShared) PutMetric(_ context.Context, m *model.MetricSample) error {
	f.metrics[m.ServerID] = m
	return nil
}

func (f *fakeShared) GetMetric(_ context.Context, serverID string) (*model.MetricSample, error) {
	return f.metrics[serverID], nil
}

func (f *fakeShared) AllMetrics(context.Context) (map[string]*model.MetricSample, error) {
	out := make(map[string]*model.MetricSample, len(f.metrics))
	for k, v := range f.metrics {
		out[k] = v
	}
	return out, nil
}

func (f *fakeShared) GetWeights(_ context.Context, pool model.Pool) ([]model.WeightAllocation, error) {
	return f.weights[pool], nil
}

func (f *fakeShared) LastWeightUpdate(context.Context) (time.Time, error) {
	return f.weightsUpdated, nil
}

func (f *fakeShared) ActiveInstances(context.Context) ([]model.InstanceHeartbeat, error) {
	return f.instances, nil
}

type fakeRecalc struct {
	triggers int
}

func (f *fakeRecalc) TriggerRecalc() { f.triggers++ }

type fakeSync struct {
	refreshes  int
	inSync     bool
	lastUpdate time.Time
}

func (f *fakeSync) ForceRefresh(context.Context) error {
	f.refreshes++
	f.lastUpdate = time.Now().UTC()
	return nil
}

func (f *fakeSync) InSync(context.Context) bool { return f.inSync }
func (f *fakeSync) LastUpdate() time.Time       { return f.lastUpdate }

type testEnv struct {
	handler  http.Handler
	shared   *fakeShared
	registry *registry.Registry
	policies *policy.Service
	cold     *coldstore.Store
	recalc   *fakeRecalc
	sync     *fakeSync
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cold, err := coldstore.Open(filepath.Join(t.TempDir(), "weightd.db"))
	if err != nil {
		t.Fatalf("open cold store: %v", err)
	}
	t.Cleanup(func() { cold.Close() })

	policies, err := policy.NewService(cold)
	if err != nil {
		t.Fatalf("policy service: %v", err)
	}

	reg := registry.New(
		model.ServerDescriptor{ID: "in-1", Host: "a.example.com", Enabled: true, Pool: model.PoolIncoming},
		model.ServerDescriptor{ID: "in-2", Host: "b.example.com", Enabled: true, Pool: model.PoolIncoming},
		model.ServerDescriptor{ID: "out-1", Host: "c.example.com", Enabled: true, Pool: model.PoolOutgoing},
	)

	shared := newFakeShared()
	table := ingest.NewEwmaTable(64)
	t.Cleanup(table.Close)
	pipeline := ingest.NewPipeline(reg, shared, cold, policies, table, ingest.Config{
		Alpha:           0.3,
		RecomputeWindow: 2 * time.Minute,
		RecomputeQuorum: 0.8,
	})

	recalc := &fakeRecalc{}
	sync := &fakeSync{inSync: true, lastUpdate: time.Now().UTC()}

	srv := NewServer("", 0, testToken, 1<<20, Deps{
		InstanceID: "weightd-test",
		Registry:   reg,
		Shared:     shared,
		History:    cold,
		Policies:   policies,
		Factors:    weight.NewFactorRegistry(),
		Pipeline:   pipeline,
		Recalc:     recalc,
		ConfigSync: sync,
	})

	return &testEnv{
		handler:  srv.Handler(),
		shared:   shared,
		registry: reg,
		policies: policies,
		cold:     cold,
		recalc:   recalc,
		sync:     sync,
	}
}

// do issues a request against the test server. A non-empty token is sent as a
// Bearer credential; body is JSON-encoded when non-nil.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func validSample() map[string]any {
	return map[string]any{
		"avg_response_time_ms":    150.0,
		"error_rate_percentage":   1.0,
		"success_rate_percentage": 99.0,
		"timeout_rate_percentage": 0.0,
		"uptime_percentage":       99.9,
	}
}
