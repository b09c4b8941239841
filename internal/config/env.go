// Package config handles environment-based configuration loading and the
// backend pools file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Directories / files
	DataDir   string
	PoolsFile string

	// Network
	ListenAddress   string
	Port            int
	AdminToken      string
	APIMaxBodyBytes int

	// Shared state (Redis)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Identity
	InstanceID string

	// Nginx materialization
	NginxConfigDir     string
	NginxConfigFile    string
	NginxReloadCommand string
	ReloadTimeout      time.Duration

	// Cycle / coordination
	WeightCycleInterval time.Duration
	HeartbeatInterval   time.Duration
	ConfigSyncInterval  time.Duration
	HotCleanupInterval  time.Duration
	ColdCleanupSchedule string
	ColdRetention       time.Duration
	LockTTL             time.Duration

	// Scoring
	EwmaAlpha           float64
	MaxEwmaTableEntries int
	MetricFreshWindow   time.Duration
	RecomputeWindow     time.Duration
	RecomputeQuorum     float64

	// Shared-state TTLs
	MetricsTTL     time.Duration
	WeightsTTL     time.Duration
	NginxConfigTTL time.Duration
	HeartbeatTTL   time.Duration
	ConfigTTL      time.Duration
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any value is invalid; missing values fall back to defaults.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories / files ---
	cfg.DataDir = envStr("WEIGHTD_DATA_DIR", "/var/lib/weightd")
	cfg.PoolsFile = envStr("WEIGHTD_POOLS_FILE", "/etc/weightd/pools.yaml")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("WEIGHTD_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("WEIGHTD_PORT", 8085, &errs)
	cfg.AdminToken = envStr("WEIGHTD_ADMIN_TOKEN", "")
	cfg.APIMaxBodyBytes = envInt("WEIGHTD_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Shared state ---
	cfg.RedisAddr = envStr("WEIGHTD_REDIS_ADDR", "127.0.0.1:6379")
	cfg.RedisPassword = envStr("WEIGHTD_REDIS_PASSWORD", "")
	cfg.RedisDB = envInt("WEIGHTD_REDIS_DB", 0, &errs)

	// --- Identity ---
	cfg.InstanceID = strings.TrimSpace(envStr("INSTANCE_ID", ""))
	if cfg.InstanceID == "" {
		cfg.InstanceID = "weightd-" + uuid.NewString()[:8]
	}

	// --- Nginx ---
	cfg.NginxConfigDir = envStr("WEIGHTD_NGINX_CONFIG_DIR", "/nginx-config")
	cfg.NginxConfigFile = envStr("WEIGHTD_NGINX_CONFIG_FILE", "upstream.conf")
	cfg.NginxReloadCommand = envStr("WEIGHTD_NGINX_RELOAD_COMMAND", "nginx -s reload")
	cfg.ReloadTimeout = envDuration("WEIGHTD_NGINX_RELOAD_TIMEOUT", 30*time.Second, &errs)

	// --- Cycle / coordination ---
	cfg.WeightCycleInterval = envDuration("WEIGHTD_WEIGHT_CYCLE_INTERVAL", 60*time.Second, &errs)
	cfg.HeartbeatInterval = envDuration("WEIGHTD_HEARTBEAT_INTERVAL", 30*time.Second, &errs)
	cfg.ConfigSyncInterval = envDuration("WEIGHTD_CONFIG_SYNC_INTERVAL", 10*time.Second, &errs)
	cfg.HotCleanupInterval = envDuration("WEIGHTD_HOT_CLEANUP_INTERVAL", 60*time.Second, &errs)
	cfg.ColdCleanupSchedule = envStr("WEIGHTD_COLD_CLEANUP_SCHEDULE", "0 2 * * *")
	cfg.ColdRetention = envDuration("WEIGHTD_COLD_RETENTION", 7*24*time.Hour, &errs)
	cfg.LockTTL = envDuration("WEIGHTD_LOCK_TTL", 30*time.Second, &errs)

	// --- Scoring ---
	cfg.EwmaAlpha = envFloat("WEIGHTD_EWMA_ALPHA", 0.3, &errs)
	cfg.MaxEwmaTableEntries = envInt("WEIGHTD_MAX_EWMA_TABLE_ENTRIES", 256, &errs)
	cfg.MetricFreshWindow = envDuration("WEIGHTD_METRIC_FRESH_WINDOW", 5*time.Minute, &errs)
	cfg.RecomputeWindow = envDuration("WEIGHTD_RECOMPUTE_WINDOW", 2*time.Minute, &errs)
	cfg.RecomputeQuorum = envFloat("WEIGHTD_RECOMPUTE_QUORUM", 0.8, &errs)

	// --- TTLs ---
	cfg.MetricsTTL = envDuration("WEIGHTD_METRICS_TTL", 600*time.Second, &errs)
	cfg.WeightsTTL = envDuration("WEIGHTD_WEIGHTS_TTL", 300*time.Second, &errs)
	cfg.NginxConfigTTL = envDuration("WEIGHTD_NGINX_CONFIG_TTL", 1800*time.Second, &errs)
	cfg.HeartbeatTTL = envDuration("WEIGHTD_HEARTBEAT_TTL", 60*time.Second, &errs)
	cfg.ConfigTTL = envDuration("WEIGHTD_CONFIG_TTL", 3600*time.Second, &errs)

	// --- Validation ---
	validatePort("WEIGHTD_PORT", cfg.Port, &errs)
	validatePositive("WEIGHTD_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("WEIGHTD_MAX_EWMA_TABLE_ENTRIES", cfg.MaxEwmaTableEntries, &errs)

	if cfg.ListenAddress == "" {
		errs = append(errs, "WEIGHTD_LISTEN_ADDRESS must not be empty")
	}
	if strings.TrimSpace(cfg.AdminToken) == "" {
		errs = append(errs, "WEIGHTD_ADMIN_TOKEN must be set")
	}
	if cfg.PoolsFile == "" {
		errs = append(errs, "WEIGHTD_POOLS_FILE must not be empty")
	}
	if strings.TrimSpace(cfg.NginxReloadCommand) == "" {
		errs = append(errs, "WEIGHTD_NGINX_RELOAD_COMMAND must not be empty")
	}
	if cfg.EwmaAlpha <= 0 || cfg.EwmaAlpha > 1 {
		errs = append(errs, fmt.Sprintf("WEIGHTD_EWMA_ALPHA must be in (0,1], got %g", cfg.EwmaAlpha))
	}
	if cfg.RecomputeQuorum <= 0 || cfg.RecomputeQuorum > 1 {
		errs = append(errs, fmt.Sprintf("WEIGHTD_RECOMPUTE_QUORUM must be in (0,1], got %g", cfg.RecomputeQuorum))
	}
	if _, err := cron.ParseStandard(cfg.ColdCleanupSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("WEIGHTD_COLD_CLEANUP_SCHEDULE: invalid cron expression %q: %v", cfg.ColdCleanupSchedule, err))
	}

	validatePositiveDuration("WEIGHTD_NGINX_RELOAD_TIMEOUT", cfg.ReloadTimeout, &errs)
	validatePositiveDuration("WEIGHTD_WEIGHT_CYCLE_INTERVAL", cfg.WeightCycleInterval, &errs)
	validatePositiveDuration("WEIGHTD_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval, &errs)
	validatePositiveDuration("WEIGHTD_CONFIG_SYNC_INTERVAL", cfg.ConfigSyncInterval, &errs)
	validatePositiveDuration("WEIGHTD_HOT_CLEANUP_INTERVAL", cfg.HotCleanupInterval, &errs)
	validatePositiveDuration("WEIGHTD_COLD_RETENTION", cfg.ColdRetention, &errs)
	validatePositiveDuration("WEIGHTD_LOCK_TTL", cfg.LockTTL, &errs)
	validatePositiveDuration("WEIGHTD_METRIC_FRESH_WINDOW", cfg.MetricFreshWindow, &errs)
	validatePositiveDuration("WEIGHTD_RECOMPUTE_WINDOW", cfg.RecomputeWindow, &errs)
	validatePositiveDuration("WEIGHTD_METRICS_TTL", cfg.MetricsTTL, &errs)
	validatePositiveDuration("WEIGHTD_WEIGHTS_TTL", cfg.WeightsTTL, &errs)
	validatePositiveDuration("WEIGHTD_NGINX_CONFIG_TTL", cfg.NginxConfigTTL, &errs)
	validatePositiveDuration("WEIGHTD_HEARTBEAT_TTL", cfg.HeartbeatTTL, &errs)
	validatePositiveDuration("WEIGHTD_CONFIG_TTL", cfg.ConfigTTL, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid float %q", key, v))
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %v", name, value))
	}
}

// NginxConfigPath returns the full path of the rendered nginx config file.
func (c *EnvConfig) NginxConfigPath() string {
	return strings.TrimRight(c.NginxConfigDir, "/") + "/" + c.NginxConfigFile
}
