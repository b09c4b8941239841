package registry

import (
	"testing"

	"github.com/intouch-cp/weightd/internal/model"
)

func srv(id string, pool model.Pool) model.ServerDescriptor {
	return model.ServerDescriptor{ID: id, Host: "10.0.0.1", Port: 8080, Enabled: true, Pool: pool}
}

func TestAddGetRemove(t *testing.T) {
	r := New()
	if err := r.Add(srv("a", model.PoolIncoming)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(srv("a", model.PoolIncoming)); err == nil {
		t.Error("duplicate Add should fail")
	}
	if _, ok := r.Get("a"); !ok {
		t.Error("Get should find a")
	}
	if !r.Remove("a") {
		t.Error("Remove should succeed")
	}
	if r.Remove("a") {
		t.Error("second Remove should report false")
	}
}

func TestAddValidation(t *testing.T) {
	r := New()
	if err := r.Add(model.ServerDescriptor{Host: "h", Pool: model.PoolIncoming}); err == nil {
		t.Error("empty id should fail")
	}
	if err := r.Add(model.ServerDescriptor{ID: "x", Pool: model.PoolIncoming}); err == nil {
		t.Error("empty host should fail")
	}
	if err := r.Add(model.ServerDescriptor{ID: "x", Host: "h", Pool: "sideways"}); err == nil {
		t.Error("unknown pool should fail")
	}
}

func TestPoolIsolationAndOrdering(t *testing.T) {
	r := New(
		srv("b", model.PoolIncoming),
		srv("a", model.PoolIncoming),
		srv("c", model.PoolOutgoing),
	)
	in := r.Pool(model.PoolIncoming)
	if len(in) != 2 || in[0].ID != "a" || in[1].ID != "b" {
		t.Fatalf("incoming pool = %+v", in)
	}
	out := r.Pool(model.PoolOutgoing)
	if len(out) != 1 || out[0].ID != "c" {
		t.Fatalf("outgoing pool = %+v", out)
	}
	if r.Len() != 3 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestSetEnabled(t *testing.T) {
	r := New(srv("a", model.PoolIncoming))
	s, ok := r.SetEnabled("a", false)
	if !ok || s.Enabled {
		t.Fatalf("SetEnabled = %+v, %v", s, ok)
	}
	got, _ := r.Get("a")
	if got.Enabled {
		t.Error("disable not persisted")
	}
	if _, ok := r.SetEnabled("missing", true); ok {
		t.Error("SetEnabled on unknown id should report false")
	}
}

func TestPoolReturnsCopy(t *testing.T) {
	r := New(srv("a", model.PoolIncoming))
	p := r.Pool(model.PoolIncoming)
	p[0].Enabled = false
	got, _ := r.Get("a")
	if !got.Enabled {
		t.Error("mutating the returned slice must not affect the registry")
	}
}
