package weight

import (
	"math"
	"testing"
)

func TestDefaultFactorsValid(t *testing.T) {
	f := DefaultFactors()
	if !f.Valid() {
		t.Errorf("defaults sum to %g", f.Sum())
	}
}

func TestPresetsSumToOne(t *testing.T) {
	for name, f := range Presets() {
		if !f.Valid() {
			t.Errorf("preset %s sums to %g", name, f.Sum())
		}
	}
}

func TestFactorRegistryApply(t *testing.T) {
	r := NewFactorRegistry()
	v := 0.5
	got, err := r.Apply(FactorPatch{ResponseTime: &v})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.ResponseTime != 0.5 {
		t.Errorf("ResponseTime = %g", got.ResponseTime)
	}
	// Other factors unchanged.
	if got.ErrorRate != 0.25 {
		t.Errorf("ErrorRate = %g", got.ErrorRate)
	}

	bad := 1.5
	if _, err := r.Apply(FactorPatch{Uptime: &bad}); err == nil {
		t.Error("out-of-range factor should fail")
	}
}

func TestFactorRegistryNormalize(t *testing.T) {
	r := NewFactorRegistry()
	v := 0.5
	if _, err := r.Apply(FactorPatch{ResponseTime: &v}); err != nil {
		t.Fatal(err)
	}
	f, err := r.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if math.Abs(f.Sum()-1.0) > 1e-9 {
		t.Errorf("normalized sum = %g", f.Sum())
	}
}

func TestNormalizeAllZero(t *testing.T) {
	f := Factors{}
	if _, err := f.Normalized(); err == nil {
		t.Error("normalizing zero factors should fail")
	}
}

func TestFactorRegistryPresetAndReset(t *testing.T) {
	r := NewFactorRegistry()
	f, err := r.ApplyPreset("performance")
	if err != nil {
		t.Fatalf("ApplyPreset: %v", err)
	}
	if f.ResponseTime != 0.40 {
		t.Errorf("performance preset ResponseTime = %g", f.ResponseTime)
	}
	if _, err := r.ApplyPreset("nope"); err == nil {
		t.Error("unknown preset should fail")
	}
	if got := r.Reset(); got != DefaultFactors() {
		t.Errorf("Reset = %+v", got)
	}
}
