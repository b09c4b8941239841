package model

import "time"

// Thresholds are the per-server health limits a sample is checked against.
// Nil fields mean "not enforced".
type Thresholds struct {
	MaxResponseTimeMs *float64 `json:"max_response_time_ms,omitempty"`
	MaxErrorRatePct   *float64 `json:"max_error_rate_percentage,omitempty"`
	MinSuccessRatePct *float64 `json:"min_success_rate_percentage,omitempty"`
	MaxTimeoutRatePct *float64 `json:"max_timeout_rate_percentage,omitempty"`
	MinUptimePct      *float64 `json:"min_uptime_percentage,omitempty"`
}

// Empty reports whether no threshold is enforced.
func (t Thresholds) Empty() bool {
	return t.MaxResponseTimeMs == nil && t.MaxErrorRatePct == nil &&
		t.MinSuccessRatePct == nil && t.MaxTimeoutRatePct == nil && t.MinUptimePct == nil
}

// DefaultMaxViolations is the violation limit a policy starts with.
const DefaultMaxViolations = 3

// ServerPolicy is the per-server operator override state: fixed weight,
// manual removal, threshold auto-removal with a violation counter.
type ServerPolicy struct {
	ServerID        string     `json:"server_id"`
	DynamicEnabled  bool       `json:"dynamic_enabled"`
	FixedWeight     *int       `json:"fixed_weight,omitempty"`
	AutoRemoval     bool       `json:"auto_removal_enabled"`
	ManuallyRemoved bool       `json:"manually_removed"`
	AutoRemoved     bool       `json:"auto_removed"`
	Thresholds      Thresholds `json:"thresholds"`

	// MaxViolations is how many consecutive violating samples remove the
	// server when auto-removal is on.
	MaxViolations int `json:"max_violations_before_removal"`

	ConsecutiveViolations int        `json:"consecutive_violations"`
	LastViolation         *time.Time `json:"last_violation,omitempty"`
	LastViolationDetail   string     `json:"last_violation_detail,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultPolicy returns the policy a server gets before any operator action:
// dynamic weighting on, no fixed weight, auto-removal off, no thresholds.
func DefaultPolicy(serverID string) *ServerPolicy {
	return &ServerPolicy{
		ServerID:       serverID,
		DynamicEnabled: true,
		MaxViolations:  DefaultMaxViolations,
		UpdatedAt:      time.Now().UTC(),
	}
}

// Removed reports whether the server is currently excluded from traffic by
// either a manual or an automatic removal.
func (p *ServerPolicy) Removed() bool {
	return p.ManuallyRemoved || p.AutoRemoved
}
