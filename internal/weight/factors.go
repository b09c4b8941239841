// Package weight computes per-pool integer weight allocations from server
// metrics: factor-weighted health scoring, normalization to a fixed total,
// and policy overrides.
package weight

import (
	"fmt"
	"log"
	"math"
	"sync/atomic"
)

// Factors are the relative importances of each scored metric. They should
// sum to 1.0 within factorTolerance.
type Factors struct {
	ResponseTime float64 `json:"responseTime"`
	ErrorRate    float64 `json:"errorRate"`
	TimeoutRate  float64 `json:"timeoutRate"`
	Uptime       float64 `json:"uptime"`
	Degradation  float64 `json:"degradation"`
}

const factorTolerance = 0.01

// Sum returns the total of all factors.
func (f Factors) Sum() float64 {
	return f.ResponseTime + f.ErrorRate + f.TimeoutRate + f.Uptime + f.Degradation
}

// Valid reports whether the factors sum to 1.0 within tolerance.
func (f Factors) Valid() bool {
	return math.Abs(f.Sum()-1.0) <= factorTolerance
}

// Normalized returns a copy scaled so the factors sum to 1.0.
func (f Factors) Normalized() (Factors, error) {
	sum := f.Sum()
	if sum == 0 {
		return f, fmt.Errorf("cannot normalize: all factors are zero")
	}
	return Factors{
		ResponseTime: f.ResponseTime / sum,
		ErrorRate:    f.ErrorRate / sum,
		TimeoutRate:  f.TimeoutRate / sum,
		Uptime:       f.Uptime / sum,
		Degradation:  f.Degradation / sum,
	}, nil
}

// DefaultFactors returns the balanced defaults.
func DefaultFactors() Factors {
	return Factors{ResponseTime: 0.25, ErrorRate: 0.25, TimeoutRate: 0.15, Uptime: 0.20, Degradation: 0.15}
}

// Presets returns the named factor presets offered through the admin API.
func Presets() map[string]Factors {
	return map[string]Factors{
		"balanced":       {ResponseTime: 0.25, ErrorRate: 0.25, TimeoutRate: 0.15, Uptime: 0.20, Degradation: 0.15},
		"performance":    {ResponseTime: 0.40, ErrorRate: 0.20, TimeoutRate: 0.10, Uptime: 0.15, Degradation: 0.15},
		"reliability":    {ResponseTime: 0.15, ErrorRate: 0.30, TimeoutRate: 0.20, Uptime: 0.30, Degradation: 0.05},
		"errorAvoidance": {ResponseTime: 0.15, ErrorRate: 0.40, TimeoutRate: 0.25, Uptime: 0.15, Degradation: 0.05},
	}
}

// FactorPatch carries a partial factors update; nil fields stay unchanged.
type FactorPatch struct {
	ResponseTime *float64 `json:"responseTime,omitempty"`
	ErrorRate    *float64 `json:"errorRate,omitempty"`
	TimeoutRate  *float64 `json:"timeoutRate,omitempty"`
	Uptime       *float64 `json:"uptime,omitempty"`
	Degradation  *float64 `json:"degradation,omitempty"`
}

// FactorRegistry holds the live factors behind an atomic pointer so scoring
// never blocks on admin updates.
type FactorRegistry struct {
	current atomic.Pointer[Factors]
}

// NewFactorRegistry starts at the balanced defaults.
func NewFactorRegistry() *FactorRegistry {
	r := &FactorRegistry{}
	f := DefaultFactors()
	r.current.Store(&f)
	return r
}

// Current returns the live factors.
func (r *FactorRegistry) Current() Factors {
	return *r.current.Load()
}

// Apply merges a patch into the live factors. Out-of-tolerance sums are
// accepted with a warning, matching the update semantics of the admin API.
func (r *FactorRegistry) Apply(patch FactorPatch) (Factors, error) {
	f := r.Current()
	set := func(dst *float64, v *float64) error {
		if v == nil {
			return nil
		}
		if *v < 0 || *v > 1 {
			return fmt.Errorf("factor value must be between 0 and 1, got %g", *v)
		}
		*dst = *v
		return nil
	}
	if err := set(&f.ResponseTime, patch.ResponseTime); err != nil {
		return f, err
	}
	if err := set(&f.ErrorRate, patch.ErrorRate); err != nil {
		return f, err
	}
	if err := set(&f.TimeoutRate, patch.TimeoutRate); err != nil {
		return f, err
	}
	if err := set(&f.Uptime, patch.Uptime); err != nil {
		return f, err
	}
	if err := set(&f.Degradation, patch.Degradation); err != nil {
		return f, err
	}
	if !f.Valid() {
		log.Printf("[weight] warning: factors sum to %.4f instead of 1.0", f.Sum())
	}
	r.current.Store(&f)
	return f, nil
}

// Normalize scales the live factors to sum to 1.0.
func (r *FactorRegistry) Normalize() (Factors, error) {
	f, err := r.Current().Normalized()
	if err != nil {
		return Factors{}, err
	}
	r.current.Store(&f)
	return f, nil
}

// Reset restores the balanced defaults.
func (r *FactorRegistry) Reset() Factors {
	f := DefaultFactors()
	r.current.Store(&f)
	return f
}

// ApplyPreset switches the live factors to a named preset.
func (r *FactorRegistry) ApplyPreset(name string) (Factors, error) {
	f, ok := Presets()[name]
	if !ok {
		return Factors{}, fmt.Errorf("unknown preset %q", name)
	}
	r.current.Store(&f)
	return f, nil
}
