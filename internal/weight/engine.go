package weight

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/intouch-cp/weightd/internal/model"
)

const (
	minWeight     = 1
	maxWeight     = 100
	defaultWeight = 10

	// Total every pool's active weights are normalized to.
	targetTotal = 100

	// Raw scores below this get no traffic at all.
	unhealthyScoreCutoff = 0.1
)

// PolicyView is the read side of the policy service the engine consults for
// fixed weights and removals.
type PolicyView interface {
	Get(serverID string) *model.ServerPolicy
}

// Engine turns one pool's metrics into weight allocations.
type Engine struct {
	factors  *FactorRegistry
	policies PolicyView
}

// NewEngine wires the engine to the live factors and the policy service.
func NewEngine(factors *FactorRegistry, policies PolicyView) *Engine {
	return &Engine{factors: factors, policies: policies}
}

type serverScore struct {
	serverID string
	raw      float64
	reason   string
}

// Compute produces the allocations for one pool. Servers without a sample in
// metrics are left out; callers pass only fresh samples. The returned weights
// of active servers always sum to exactly 100 (unless the pool is empty).
func (e *Engine) Compute(pool model.Pool, servers []model.ServerDescriptor, metrics map[string]*model.MetricSample) []model.WeightAllocation {
	if len(servers) == 0 {
		log.Printf("[weight] no %s servers configured", pool)
		return nil
	}

	now := time.Now().UTC()

	if len(metrics) == 0 {
		log.Printf("[weight] warning: no metrics available for %s servers, assigning default weights", pool)
		return e.finish(e.defaultAllocations(servers, "Default weight - no metrics available", now), now)
	}

	var enabled, disabled []model.ServerDescriptor
	for _, s := range servers {
		if metrics[s.ID] == nil {
			continue
		}
		if e.takesTraffic(s) {
			enabled = append(enabled, s)
		} else {
			disabled = append(disabled, s)
		}
	}

	if len(enabled) == 0 {
		log.Printf("[weight] warning: all %s servers are disabled, assigning default weights", pool)
		return e.finish(e.defaultAllocations(servers, "Default weight - no metrics available", now), now)
	}

	var scores []serverScore
	for _, s := range enabled {
		m := metrics[s.ID]
		sc := e.scoreServer(m)
		scores = append(scores, sc)
		log.Printf("[weight] %s server %s instant=%.2fms ewma=%.2fms raw=%.3f",
			pool, s.ID, m.AvgResponseTimeMs, m.EffectiveLatency(), sc.raw)
	}

	allocations := e.assignWeights(enabled, scores, now)

	for _, s := range disabled {
		allocations = append(allocations, model.WeightAllocation{
			ServerID:     s.ID,
			Address:      s.Address(),
			Weight:       0,
			HealthScore:  0,
			Reason:       "Server manually disabled",
			CalculatedAt: now,
		})
	}

	allocations = e.finish(allocations, now)

	active := 0
	for _, a := range allocations {
		if a.Active() {
			active++
		}
	}
	log.Printf("[weight] %s weight calculation completed, active servers: %d", pool, active)
	return allocations
}

// finish runs the shared tail of every calculation path: the emergency
// fallback, fixed-weight overrides and normalization to the target total.
func (e *Engine) finish(allocations []model.WeightAllocation, now time.Time) []model.WeightAllocation {
	e.ensureMinimumTraffic(allocations)
	e.applyFixedWeights(allocations)
	e.normalizeToTotal(allocations, targetTotal)
	for i := range allocations {
		allocations[i].CalculatedAt = now
	}
	return allocations
}

// takesTraffic reports whether a server participates in dynamic weighting:
// enabled in the registry and not removed by policy.
func (e *Engine) takesTraffic(s model.ServerDescriptor) bool {
	if !s.Enabled {
		return false
	}
	if p := e.policies.Get(s.ID); p != nil && p.Removed() {
		return false
	}
	return true
}

func (e *Engine) scoreServer(m *model.MetricSample) serverScore {
	if !metricsValid(m) {
		return serverScore{serverID: m.ServerID, raw: 0, reason: "Invalid metrics"}
	}

	f := e.factors.Current()
	effectiveLatency := m.EffectiveLatency()

	rt := responseTimeScore(effectiveLatency)
	er := errorRateScore(m.ErrorRatePct)
	sr := successRateScore(m.SuccessRatePct)
	to := timeoutScore(m.TimeoutRatePct)
	up := uptimeScore(m.UptimePct)
	deg := degradationScore(m.DegradationScore)

	raw := rt*f.ResponseTime + er*f.ErrorRate + to*f.TimeoutRate + up*f.Uptime + deg*f.Degradation

	reason := fmt.Sprintf("EWMA:%.1fms SR:%.2f RT:%.2f ER:%.2f TO:%.2f UP:%.2f DEG:%.2f",
		effectiveLatency, sr, rt, er, to, up, deg)

	return serverScore{serverID: m.ServerID, raw: raw, reason: reason}
}

func metricsValid(m *model.MetricSample) bool {
	return m != nil &&
		m.AvgResponseTimeMs >= 0 &&
		m.ErrorRatePct >= 0 && m.ErrorRatePct <= 100 &&
		m.SuccessRatePct >= 0 && m.SuccessRatePct <= 100 &&
		m.TimeoutRatePct >= 0 && m.TimeoutRatePct <= 100 &&
		m.UptimePct >= 0 && m.UptimePct <= 100
}

// assignWeights converts raw scores into clamped integer weights. A total
// score of zero means every server is unhealthy and all get the default.
func (e *Engine) assignWeights(servers []model.ServerDescriptor, scores []serverScore, now time.Time) []model.WeightAllocation {
	byID := make(map[string]model.ServerDescriptor, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}

	total := 0.0
	for _, sc := range scores {
		total += sc.raw
	}

	var allocations []model.WeightAllocation
	if total <= 0 {
		for _, sc := range scores {
			s := byID[sc.serverID]
			allocations = append(allocations, model.WeightAllocation{
				ServerID:     sc.serverID,
				Address:      s.Address(),
				Weight:       defaultWeight,
				HealthScore:  sc.raw,
				Reason:       "Default weight - all servers unhealthy",
				CalculatedAt: now,
			})
		}
		return allocations
	}

	for _, sc := range scores {
		s := byID[sc.serverID]
		w := int(math.Round(sc.raw / total * 100))
		if w < minWeight {
			w = minWeight
		}
		if w > maxWeight {
			w = maxWeight
		}
		if sc.raw < unhealthyScoreCutoff {
			w = 0
		}
		allocations = append(allocations, model.WeightAllocation{
			ServerID:     sc.serverID,
			Address:      s.Address(),
			Weight:       w,
			HealthScore:  sc.raw,
			Reason:       sc.reason,
			CalculatedAt: now,
		})
	}
	return allocations
}

func (e *Engine) defaultAllocations(servers []model.ServerDescriptor, reason string, now time.Time) []model.WeightAllocation {
	allocations := make([]model.WeightAllocation, 0, len(servers))
	for _, s := range servers {
		allocations = append(allocations, model.WeightAllocation{
			ServerID:     s.ID,
			Address:      s.Address(),
			Weight:       defaultWeight,
			HealthScore:  0.5,
			Reason:       reason,
			CalculatedAt: now,
		})
	}
	return allocations
}

// ensureMinimumTraffic guarantees at least one server takes traffic: when
// everything scored to zero weight, the healthiest server gets the minimum.
func (e *Engine) ensureMinimumTraffic(allocations []model.WeightAllocation) {
	if len(allocations) == 0 {
		return
	}
	best := -1
	for i := range allocations {
		if allocations[i].Active() {
			return
		}
		if best < 0 || allocations[i].HealthScore > allocations[best].HealthScore {
			best = i
		}
	}
	allocations[best].Weight = minWeight
	allocations[best].Reason = "Emergency fallback - no healthy servers"
	log.Printf("[weight] warning: no healthy servers, assigning minimal traffic to %s", allocations[best].ServerID)
}

// applyFixedWeights overrides calculated weights with operator pins.
func (e *Engine) applyFixedWeights(allocations []model.WeightAllocation) {
	for i := range allocations {
		a := &allocations[i]
		p := e.policies.Get(a.ServerID)
		if p == nil || p.DynamicEnabled || p.FixedWeight == nil {
			continue
		}
		if *p.FixedWeight != a.Weight {
			calculated := a.Weight
			a.Weight = *p.FixedWeight
			a.Reason = fmt.Sprintf("Fixed weight: %d (Dynamic would be: %d)", a.Weight, calculated)
			log.Printf("[weight] server %s fixed weight applied: %d (calculated was %d)",
				a.ServerID, a.Weight, calculated)
		}
	}
}

// normalizeToTotal rescales active weights so they sum to exactly the target.
// Fixed-weight servers keep their pins when possible; dynamic servers share
// whatever capacity remains, with the last one absorbing rounding residue.
func (e *Engine) normalizeToTotal(allocations []model.WeightAllocation, target int) {
	var active []*model.WeightAllocation
	for i := range allocations {
		if allocations[i].Active() {
			active = append(active, &allocations[i])
		}
	}
	if len(active) == 0 {
		log.Printf("[weight] warning: no active allocations to normalize")
		return
	}

	var fixed, dynamic []*model.WeightAllocation
	for _, a := range active {
		p := e.policies.Get(a.ServerID)
		if p != nil && !p.DynamicEnabled && p.FixedWeight != nil {
			fixed = append(fixed, a)
		} else {
			dynamic = append(dynamic, a)
		}
	}

	totalFixed := 0
	for _, a := range fixed {
		totalFixed += a.Weight
	}

	// Only fixed weights: rescale them when they miss the target.
	if len(dynamic) == 0 {
		if totalFixed != target {
			log.Printf("[weight] warning: all weights fixed but sum to %d instead of %d, normalizing proportionally",
				totalFixed, target)
			normalizeProportionally(fixed, target)
		}
		return
	}

	// Fixed pins already consume the whole capacity.
	if totalFixed >= target {
		log.Printf("[weight] warning: fixed weights (%d) >= target (%d), zeroing dynamic weights",
			totalFixed, target)
		for _, a := range dynamic {
			a.Weight = 0
			a.Reason += " [Normalized to 0: fixed weights exceed capacity]"
		}
		normalizeProportionally(fixed, target)
		return
	}

	remaining := target - totalFixed
	totalDynamic := 0
	for _, a := range dynamic {
		totalDynamic += a.Weight
	}

	if totalDynamic == 0 {
		per := remaining / len(dynamic)
		rem := remaining % len(dynamic)
		for i, a := range dynamic {
			w := per
			if i < rem {
				w++
			}
			a.Weight = w
			a.Reason += fmt.Sprintf(" [Normalized: %d/%d available]", w, remaining)
		}
		return
	}

	scale := float64(remaining) / float64(totalDynamic)
	assigned := 0
	for i, a := range dynamic {
		original := a.Weight
		if i == len(dynamic)-1 {
			w := remaining - assigned
			if w < 0 {
				w = 0
			}
			a.Weight = w
		} else {
			a.Weight = int(math.Round(float64(original) * scale))
			assigned += a.Weight
		}
		a.Reason += fmt.Sprintf(" [Normalized: %d→%d]", original, a.Weight)
	}
}

// normalizeProportionally rescales a set of allocations to the target total,
// keeping each at least at the minimum.
func normalizeProportionally(allocations []*model.WeightAllocation, target int) {
	current := 0
	for _, a := range allocations {
		current += a.Weight
	}

	if current == 0 {
		per := target / len(allocations)
		rem := target % len(allocations)
		for i, a := range allocations {
			w := per
			if i < rem {
				w++
			}
			a.Weight = w
			a.Reason = fmt.Sprintf("Equal distribution: %d", w)
		}
		return
	}

	scale := float64(target) / float64(current)
	assigned := 0
	for i, a := range allocations {
		original := a.Weight
		if i == len(allocations)-1 {
			w := target - assigned
			if w < minWeight {
				w = minWeight
			}
			a.Weight = w
		} else {
			w := int(math.Round(float64(original) * scale))
			if w < minWeight {
				w = minWeight
			}
			a.Weight = w
			assigned += w
		}
		a.Reason += fmt.Sprintf(" [Proportionally normalized: %d→%d]", original, a.Weight)
	}
}
