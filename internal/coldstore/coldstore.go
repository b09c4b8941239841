// Package coldstore is the durable SQLite tier behind the shared hot store.
// It survives Redis flushes and carries the 7-day metric history plus the
// per-server policies.
package coldstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/intouch-cp/weightd/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQLite-backed durable store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, applies pragmas and runs
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrateDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate: init source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrate: init db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// --- metrics ---

// InsertMetric appends one sample to the history.
func (s *Store) InsertMetric(m *model.MetricSample) error {
	_, err := s.db.Exec(`INSERT INTO server_metrics (
		server_id, avg_response_time_ms, error_rate_pct, success_rate_pct,
		timeout_rate_pct, uptime_pct, latency_p50, latency_p95, latency_p99,
		requests_per_minute, window_timestamp, ewma_latency_ms,
		degradation_score, created_at_ns
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ServerID, m.AvgResponseTimeMs, m.ErrorRatePct, m.SuccessRatePct,
		m.TimeoutRatePct, m.UptimePct, m.LatencyP50, m.LatencyP95, m.LatencyP99,
		m.RequestsPerMinute, m.WindowTimestamp, m.EwmaLatencyMs,
		m.DegradationScore, m.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert metric %s: %w", m.ServerID, err)
	}
	return nil
}

const metricColumns = `server_id, avg_response_time_ms, error_rate_pct, success_rate_pct,
	timeout_rate_pct, uptime_pct, latency_p50, latency_p95, latency_p99,
	requests_per_minute, window_timestamp, ewma_latency_ms, degradation_score, created_at_ns`

// LatestMetric returns the most recent sample for a server, nil when none exists.
func (s *Store) LatestMetric(serverID string) (*model.MetricSample, error) {
	row := s.db.QueryRow(`SELECT `+metricColumns+` FROM server_metrics
		WHERE server_id = ? ORDER BY created_at_ns DESC LIMIT 1`, serverID)
	m, err := scanMetric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest metric %s: %w", serverID, err)
	}
	return m, nil
}

// MetricsSince returns samples for a server newer than since, newest first.
func (s *Store) MetricsSince(serverID string, since time.Time, limit int) ([]*model.MetricSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+metricColumns+` FROM server_metrics
		WHERE server_id = ? AND created_at_ns > ?
		ORDER BY created_at_ns DESC LIMIT ?`, serverID, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("metrics since for %s: %w", serverID, err)
	}
	defer rows.Close()

	var out []*model.MetricSample
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("scan metric for %s: %w", serverID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMetricsBefore removes history older than the cutoff and returns the
// number of rows deleted.
func (s *Store) DeleteMetricsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM server_metrics WHERE created_at_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete metrics before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetric(row rowScanner) (*model.MetricSample, error) {
	var m model.MetricSample
	var createdNs int64
	err := row.Scan(
		&m.ServerID, &m.AvgResponseTimeMs, &m.ErrorRatePct, &m.SuccessRatePct,
		&m.TimeoutRatePct, &m.UptimePct, &m.LatencyP50, &m.LatencyP95, &m.LatencyP99,
		&m.RequestsPerMinute, &m.WindowTimestamp, &m.EwmaLatencyMs,
		&m.DegradationScore, &createdNs,
	)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(0, createdNs).UTC()
	return &m, nil
}

// --- policies ---

// UpsertPolicy writes the full policy row for a server.
func (s *Store) UpsertPolicy(p *model.ServerPolicy) error {
	var lastViolationNs *int64
	if p.LastViolation != nil {
		ns := p.LastViolation.UnixNano()
		lastViolationNs = &ns
	}
	_, err := s.db.Exec(`INSERT INTO server_policies (
		server_id, dynamic_enabled, fixed_weight, auto_removal,
		manually_removed, auto_removed,
		max_response_time_ms, max_error_rate_pct, min_success_rate_pct,
		max_timeout_rate_pct, min_uptime_pct,
		max_violations, consecutive_violations,
		last_violation_ns, last_violation_detail, updated_at_ns
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(server_id) DO UPDATE SET
		dynamic_enabled=excluded.dynamic_enabled,
		fixed_weight=excluded.fixed_weight,
		auto_removal=excluded.auto_removal,
		manually_removed=excluded.manually_removed,
		auto_removed=excluded.auto_removed,
		max_response_time_ms=excluded.max_response_time_ms,
		max_error_rate_pct=excluded.max_error_rate_pct,
		min_success_rate_pct=excluded.min_success_rate_pct,
		max_timeout_rate_pct=excluded.max_timeout_rate_pct,
		min_uptime_pct=excluded.min_uptime_pct,
		max_violations=excluded.max_violations,
		consecutive_violations=excluded.consecutive_violations,
		last_violation_ns=excluded.last_violation_ns,
		last_violation_detail=excluded.last_violation_detail,
		updated_at_ns=excluded.updated_at_ns`,
		p.ServerID, boolToInt(p.DynamicEnabled), p.FixedWeight, boolToInt(p.AutoRemoval),
		boolToInt(p.ManuallyRemoved), boolToInt(p.AutoRemoved),
		p.Thresholds.MaxResponseTimeMs, p.Thresholds.MaxErrorRatePct, p.Thresholds.MinSuccessRatePct,
		p.Thresholds.MaxTimeoutRatePct, p.Thresholds.MinUptimePct,
		p.MaxViolations, p.ConsecutiveViolations,
		lastViolationNs, p.LastViolationDetail, p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert policy %s: %w", p.ServerID, err)
	}
	return nil
}

const policyColumns = `server_id, dynamic_enabled, fixed_weight, auto_removal,
	manually_removed, auto_removed,
	max_response_time_ms, max_error_rate_pct, min_success_rate_pct,
	max_timeout_rate_pct, min_uptime_pct,
	max_violations, consecutive_violations,
	last_violation_ns, last_violation_detail, updated_at_ns`

// GetPolicy returns the stored policy for a server, nil when none exists.
func (s *Store) GetPolicy(serverID string) (*model.ServerPolicy, error) {
	row := s.db.QueryRow(`SELECT `+policyColumns+` FROM server_policies WHERE server_id = ?`, serverID)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", serverID, err)
	}
	return p, nil
}

// AllPolicies returns every stored policy.
func (s *Store) AllPolicies() ([]*model.ServerPolicy, error) {
	rows, err := s.db.Query(`SELECT ` + policyColumns + ` FROM server_policies ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []*model.ServerPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePolicy removes the policy row for a server.
func (s *Store) DeletePolicy(serverID string) error {
	if _, err := s.db.Exec(`DELETE FROM server_policies WHERE server_id = ?`, serverID); err != nil {
		return fmt.Errorf("delete policy %s: %w", serverID, err)
	}
	return nil
}

// DeleteAllPolicies clears the whole policy table.
func (s *Store) DeleteAllPolicies() error {
	if _, err := s.db.Exec(`DELETE FROM server_policies`); err != nil {
		return fmt.Errorf("delete all policies: %w", err)
	}
	return nil
}

func scanPolicy(row rowScanner) (*model.ServerPolicy, error) {
	var p model.ServerPolicy
	var dynamic, autoRemoval, manRemoved, autoRemoved int
	var lastViolationNs *int64
	var updatedNs int64
	err := row.Scan(
		&p.ServerID, &dynamic, &p.FixedWeight, &autoRemoval,
		&manRemoved, &autoRemoved,
		&p.Thresholds.MaxResponseTimeMs, &p.Thresholds.MaxErrorRatePct, &p.Thresholds.MinSuccessRatePct,
		&p.Thresholds.MaxTimeoutRatePct, &p.Thresholds.MinUptimePct,
		&p.MaxViolations, &p.ConsecutiveViolations,
		&lastViolationNs, &p.LastViolationDetail, &updatedNs,
	)
	if err != nil {
		return nil, err
	}
	p.DynamicEnabled = dynamic != 0
	p.AutoRemoval = autoRemoval != 0
	p.ManuallyRemoved = manRemoved != 0
	p.AutoRemoved = autoRemoved != 0
	if lastViolationNs != nil {
		t := time.Unix(0, *lastViolationNs).UTC()
		p.LastViolation = &t
	}
	p.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
