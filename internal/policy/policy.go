// Package policy implements per-server operator overrides: fixed weights,
// manual and automatic removal, and threshold evaluation with consecutive
// violation counting.
package policy

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/intouch-cp/weightd/internal/model"
)

// Repo is the durable side of the policy service.
type Repo interface {
	UpsertPolicy(p *model.ServerPolicy) error
	GetPolicy(serverID string) (*model.ServerPolicy, error)
	AllPolicies() ([]*model.ServerPolicy, error)
	DeletePolicy(serverID string) error
	DeleteAllPolicies() error
}

// Service caches policies in memory and writes every change through to the
// durable store.
type Service struct {
	repo Repo

	mu    sync.Mutex // serializes read-modify-write cycles
	cache *xsync.Map[string, *model.ServerPolicy]
}

// NewService loads all stored policies into the cache.
func NewService(repo Repo) (*Service, error) {
	s := &Service{
		repo:  repo,
		cache: xsync.NewMap[string, *model.ServerPolicy](),
	}
	stored, err := repo.AllPolicies()
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	for _, p := range stored {
		s.cache.Store(p.ServerID, p)
	}
	return s, nil
}

// Get returns the cached policy for a server, or nil when none exists.
// The returned value must not be mutated by callers.
func (s *Service) Get(serverID string) *model.ServerPolicy {
	p, _ := s.cache.Load(serverID)
	return p
}

// GetOrCreate returns the policy for a server, creating the default one on
// first access.
func (s *Service) GetOrCreate(serverID string) (*model.ServerPolicy, error) {
	if p, ok := s.cache.Load(serverID); ok {
		return p, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cache.Load(serverID); ok {
		return p, nil
	}
	p := model.DefaultPolicy(serverID)
	if err := s.persist(p); err != nil {
		return nil, err
	}
	return p, nil
}

// All returns every known policy.
func (s *Service) All() []*model.ServerPolicy {
	var out []*model.ServerPolicy
	s.cache.Range(func(_ string, p *model.ServerPolicy) bool {
		out = append(out, p)
		return true
	})
	return out
}

// SetFixedWeight pins a server to a fixed weight and disables dynamic
// weighting for it. Weight 0 takes the server out of rotation.
func (s *Service) SetFixedWeight(serverID string, weight int) (*model.ServerPolicy, error) {
	if weight < 0 || weight > 100 {
		return nil, fmt.Errorf("fixed weight must be 0-100, got %d", weight)
	}
	return s.mutate(serverID, func(p *model.ServerPolicy) {
		p.FixedWeight = &weight
		p.DynamicEnabled = false
	})
}

// EnableDynamic clears any fixed weight and re-enables dynamic weighting.
func (s *Service) EnableDynamic(serverID string) (*model.ServerPolicy, error) {
	return s.mutate(serverID, func(p *model.ServerPolicy) {
		p.FixedWeight = nil
		p.DynamicEnabled = true
	})
}

// SetThresholds replaces the health thresholds for a server.
func (s *Service) SetThresholds(serverID string, t model.Thresholds) (*model.ServerPolicy, error) {
	if err := validateThresholds(t); err != nil {
		return nil, err
	}
	return s.mutate(serverID, func(p *model.ServerPolicy) {
		p.Thresholds = t
		p.ConsecutiveViolations = 0
	})
}

// SetAutoRemoval toggles threshold-based automatic removal. A positive
// maxViolations sets the per-server violation limit; zero keeps the current
// one. Disabling also reinstates a currently auto-removed server.
func (s *Service) SetAutoRemoval(serverID string, enabled bool, maxViolations int) (*model.ServerPolicy, error) {
	if maxViolations < 0 {
		return nil, fmt.Errorf("max violations must be positive, got %d", maxViolations)
	}
	return s.mutate(serverID, func(p *model.ServerPolicy) {
		p.AutoRemoval = enabled
		if maxViolations > 0 {
			p.MaxViolations = maxViolations
		}
		if !enabled {
			p.AutoRemoved = false
			p.ConsecutiveViolations = 0
		}
	})
}

// Remove takes a server out of rotation until Reenable is called.
func (s *Service) Remove(serverID string) (*model.ServerPolicy, error) {
	return s.mutate(serverID, func(p *model.ServerPolicy) {
		p.ManuallyRemoved = true
	})
}

// Reenable clears manual and automatic removal and resets the violation state.
func (s *Service) Reenable(serverID string) (*model.ServerPolicy, error) {
	return s.mutate(serverID, func(p *model.ServerPolicy) {
		p.ManuallyRemoved = false
		p.AutoRemoved = false
		p.ConsecutiveViolations = 0
		p.LastViolation = nil
		p.LastViolationDetail = ""
	})
}

// Delete removes the stored policy for one server.
func (s *Service) Delete(serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.DeletePolicy(serverID); err != nil {
		return err
	}
	s.cache.Delete(serverID)
	return nil
}

// ResetAll wipes every policy, reverting all servers to defaults.
func (s *Service) ResetAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.DeleteAllPolicies(); err != nil {
		return err
	}
	s.cache.Clear()
	return nil
}

// EffectiveWeight applies the policy for a server to its dynamically computed
// weight. Removed servers get 0; fixed-weight servers get their pin.
func (s *Service) EffectiveWeight(serverID string, dynamicWeight int) int {
	p := s.Get(serverID)
	if p == nil {
		return dynamicWeight
	}
	if p.Removed() {
		return 0
	}
	if !p.DynamicEnabled && p.FixedWeight != nil {
		return *p.FixedWeight
	}
	return dynamicWeight
}

// Evaluate checks one sample against the server's thresholds, advances the
// violation counter and flips the auto-removed flag when the limit is hit.
// A clean sample resets the counter; a removed server stays out until the
// operator reenables it or turns auto-removal off. Returns the violation
// detail, empty when the sample is healthy or the server has no thresholds.
func (s *Service) Evaluate(serverID string, m *model.MetricSample) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.cache.Load(serverID)
	if !ok || p.Thresholds.Empty() {
		return "", nil
	}

	violations := describeViolations(p.Thresholds, m)

	if len(violations) == 0 {
		if p.ConsecutiveViolations == 0 {
			return "", nil
		}
		next := *p
		next.ConsecutiveViolations = 0
		if err := s.persist(&next); err != nil {
			return "", err
		}
		return "", nil
	}

	detail := strings.Join(violations, "; ")
	now := time.Now().UTC()
	next := *p
	next.ConsecutiveViolations++
	next.LastViolation = &now
	next.LastViolationDetail = detail

	limit := next.MaxViolations
	if limit <= 0 {
		limit = model.DefaultMaxViolations
	}
	if next.AutoRemoval && !next.AutoRemoved && next.ConsecutiveViolations >= limit {
		next.AutoRemoved = true
		log.Printf("[policy] server %s auto-removed after %d consecutive violations: %s",
			serverID, next.ConsecutiveViolations, detail)
	}

	if err := s.persist(&next); err != nil {
		return detail, err
	}
	return detail, nil
}

func (s *Service) mutate(serverID string, fn func(*model.ServerPolicy)) (*model.ServerPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next model.ServerPolicy
	if p, ok := s.cache.Load(serverID); ok {
		next = *p
	} else {
		next = *model.DefaultPolicy(serverID)
	}
	fn(&next)
	if err := s.persist(&next); err != nil {
		return nil, err
	}
	return &next, nil
}

// persist writes through to the repo and refreshes the cache. Callers hold mu.
func (s *Service) persist(p *model.ServerPolicy) error {
	p.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpsertPolicy(p); err != nil {
		return err
	}
	s.cache.Store(p.ServerID, p)
	return nil
}

func validateThresholds(t model.Thresholds) error {
	checkPct := func(name string, v *float64) error {
		if v != nil && (*v < 0 || *v > 100) {
			return fmt.Errorf("%s must be 0-100, got %g", name, *v)
		}
		return nil
	}
	if t.MaxResponseTimeMs != nil && *t.MaxResponseTimeMs <= 0 {
		return fmt.Errorf("max response time must be positive, got %g", *t.MaxResponseTimeMs)
	}
	if err := checkPct("max error rate", t.MaxErrorRatePct); err != nil {
		return err
	}
	if err := checkPct("min success rate", t.MinSuccessRatePct); err != nil {
		return err
	}
	if err := checkPct("max timeout rate", t.MaxTimeoutRatePct); err != nil {
		return err
	}
	return checkPct("min uptime", t.MinUptimePct)
}

func describeViolations(t model.Thresholds, m *model.MetricSample) []string {
	var out []string
	// Response time is compared against the smoothed latency, so a single
	// spike cannot advance the counter.
	if lat := m.EffectiveLatency(); t.MaxResponseTimeMs != nil && lat > *t.MaxResponseTimeMs {
		out = append(out, fmt.Sprintf("response time %.1fms > %.1fms", lat, *t.MaxResponseTimeMs))
	}
	if t.MaxErrorRatePct != nil && m.ErrorRatePct > *t.MaxErrorRatePct {
		out = append(out, fmt.Sprintf("error rate %.1f%% > %.1f%%", m.ErrorRatePct, *t.MaxErrorRatePct))
	}
	if t.MinSuccessRatePct != nil && m.SuccessRatePct < *t.MinSuccessRatePct {
		out = append(out, fmt.Sprintf("success rate %.1f%% < %.1f%%", m.SuccessRatePct, *t.MinSuccessRatePct))
	}
	if t.MaxTimeoutRatePct != nil && m.TimeoutRatePct > *t.MaxTimeoutRatePct {
		out = append(out, fmt.Sprintf("timeout rate %.1f%% > %.1f%%", m.TimeoutRatePct, *t.MaxTimeoutRatePct))
	}
	if t.MinUptimePct != nil && m.UptimePct < *t.MinUptimePct {
		out = append(out, fmt.Sprintf("uptime %.1f%% < %.1f%%", m.UptimePct, *t.MinUptimePct))
	}
	return out
}
