package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/intouch-cp/weightd/internal/model"
)

func writePools(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pools.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPools(t *testing.T) {
	path := writePools(t, `
incoming:
  - id: in-1
    host: 10.0.0.1
    port: 8080
    enabled: true
  - id: in-2
    host: 10.0.0.2
    enabled: true
outgoing:
  - id: out-1
    host: 10.0.1.1
    port: 9090
    name: primary-out
    enabled: true
`)
	pf, err := LoadPools(path)
	if err != nil {
		t.Fatalf("LoadPools: %v", err)
	}
	if len(pf.Incoming) != 2 || len(pf.Outgoing) != 1 {
		t.Fatalf("got %d incoming, %d outgoing", len(pf.Incoming), len(pf.Outgoing))
	}
	if pf.Incoming[0].Pool != model.PoolIncoming {
		t.Errorf("pool not stamped on incoming entry: %q", pf.Incoming[0].Pool)
	}
	if pf.Outgoing[0].Pool != model.PoolOutgoing {
		t.Errorf("pool not stamped on outgoing entry: %q", pf.Outgoing[0].Pool)
	}
	if got := pf.Incoming[0].Address(); got != "10.0.0.1:8080" {
		t.Errorf("Address = %q", got)
	}
	if got := pf.Incoming[1].Address(); got != "10.0.0.2" {
		t.Errorf("portless Address = %q", got)
	}
}

func TestLoadPoolsRejectsDuplicateIDs(t *testing.T) {
	path := writePools(t, `
incoming:
  - id: srv-1
    host: 10.0.0.1
outgoing:
  - id: srv-1
    host: 10.0.1.1
`)
	_, err := LoadPools(path)
	if err == nil || !strings.Contains(err.Error(), "duplicate server id") {
		t.Fatalf("expected duplicate-id error, got %v", err)
	}
}

func TestLoadPoolsRejectsMissingHost(t *testing.T) {
	path := writePools(t, `
incoming:
  - id: srv-1
    host: ""
`)
	_, err := LoadPools(path)
	if err == nil || !strings.Contains(err.Error(), "no host") {
		t.Fatalf("expected missing-host error, got %v", err)
	}
}

func TestLoadPoolsMissingFile(t *testing.T) {
	_, err := LoadPools(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
