package nginx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/intouch-cp/weightd/internal/model"
)

// fakeShared is an in-memory SharedConfig.
type fakeShared struct {
	config  string
	updated time.Time
	puts    int
}

func (f *fakeShared) PutProxyConfig(_ context.Context, content string) error {
	f.config = content
	f.updated = time.Now().UTC()
	f.puts++
	return nil
}

func (f *fakeShared) GetProxyConfig(_ context.Context) (string, error) {
	return f.config, nil
}

func (f *fakeShared) LastProxyUpdate(_ context.Context) (time.Time, error) {
	return f.updated, nil
}

func newTestService(t *testing.T, shared *fakeShared) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upstream.conf")
	s, err := NewService(context.Background(), path, "true", 5*time.Second, shared)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s, path
}

func validConfig(marker string) string {
	return "# " + marker + "\nupstream upstream_incoming {\n    server 127.0.0.1:8081 weight=100;\n}\n"
}

func TestApplyWritesFileAndReloads(t *testing.T) {
	s, path := newTestService(t, &fakeShared{})
	cfg := validConfig("v1")

	if err := s.Apply(context.Background(), cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(data) != cfg {
		t.Errorf("file content = %q", data)
	}
	if s.Current() != cfg {
		t.Errorf("Current = %q", s.Current())
	}
	if s.LastUpdate().IsZero() {
		t.Error("LastUpdate not set")
	}
}

func TestApplyRejectsInvalidConfig(t *testing.T) {
	s, path := newTestService(t, &fakeShared{})
	if err := s.Apply(context.Background(), "upstream upstream_incoming {"); err == nil {
		t.Fatal("invalid config must not apply")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("invalid config must not reach disk")
	}
}

func TestApplyFailedReloadKeepsPriorArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upstream.conf")
	s, err := NewService(context.Background(), path, "false", 5*time.Second, &fakeShared{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(context.Background(), validConfig("v1")); err == nil {
		t.Fatal("failing reload command must fail the apply")
	}
	if s.Current() != "" {
		t.Errorf("in-memory artifact should stay empty after failed apply, got %q", s.Current())
	}
	if !s.LastUpdate().IsZero() {
		t.Error("LastUpdate must not advance on failed apply")
	}
}

func TestApplyCreatesBackup(t *testing.T) {
	s, path := newTestService(t, &fakeShared{})
	ctx := context.Background()
	if err := s.Apply(ctx, validConfig("v1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(ctx, validConfig("v2")); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	backups := 0
	for _, e := range entries {
		if strings.Contains(e.Name(), ".backup.") {
			backups++
		}
	}
	if backups == 0 {
		t.Error("second apply should leave a backup of the first config")
	}
}

func TestUpdateDualUpstreamPublishes(t *testing.T) {
	shared := &fakeShared{}
	s, _ := newTestService(t, shared)
	incoming := []model.WeightAllocation{{ServerID: "in-1", Address: "a.example.com", Weight: 100}}

	if err := s.UpdateDualUpstream(context.Background(), incoming, nil); err != nil {
		t.Fatalf("UpdateDualUpstream: %v", err)
	}
	if shared.puts != 1 {
		t.Errorf("shared store puts = %d", shared.puts)
	}
	if !strings.Contains(shared.config, "upstream upstream_incoming") {
		t.Error("published config missing upstream block")
	}
}

func TestSyncFromShared(t *testing.T) {
	shared := &fakeShared{}
	s, path := newTestService(t, shared)
	ctx := context.Background()

	// Nothing shared yet: no-op.
	if err := s.SyncFromShared(ctx); err != nil {
		t.Fatalf("SyncFromShared on empty store: %v", err)
	}

	// Another instance published a newer config.
	shared.config = validConfig("from-peer")
	shared.updated = time.Now().UTC()

	if err := s.SyncFromShared(ctx); err != nil {
		t.Fatalf("SyncFromShared: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "from-peer") {
		t.Error("peer config not materialized")
	}
	if !s.InSync(ctx) {
		t.Error("instance should report in sync after pulling")
	}

	// Already in sync: a second call must not re-apply.
	before := s.LastUpdate()
	if err := s.SyncFromShared(ctx); err != nil {
		t.Fatal(err)
	}
	if !s.LastUpdate().Equal(before) {
		t.Error("no-op sync must not rewrite the config")
	}
}

func TestForceRefresh(t *testing.T) {
	shared := &fakeShared{}
	s, path := newTestService(t, shared)
	ctx := context.Background()

	shared.config = validConfig("v1")
	shared.updated = time.Now().UTC()
	if err := s.SyncFromShared(ctx); err != nil {
		t.Fatal(err)
	}

	// Shared timestamp is older than local now; a plain sync is a no-op, but
	// a forced refresh still pulls.
	shared.config = validConfig("v2")
	shared.updated = s.LastUpdate().Add(-time.Hour)

	if err := s.ForceRefresh(ctx); err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "v2") {
		t.Error("forced refresh did not materialize the shared config")
	}
}
