// Package sharedstate is the typed façade over the Redis store that all
// instances coordinate through. Every value carries a TTL so that a dead
// fleet leaves no stale state behind.
package sharedstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/intouch-cp/weightd/internal/model"
)

// Key namespaces. Everything the fleet shares lives under one of these.
const (
	keyMetricsPrefix  = "metrics:"
	keyWeightsPrefix  = "weights:"
	keyWeightsUpdated = "weights:last-update"
	keyProxyConfig    = "nginx:current-config"
	keyProxyUpdated   = "nginx:last-update"
	keyInstancePrefix = "instance:"
	keyLockPrefix     = "lock:"
	keyConfigPrefix   = "config:"
)

// TTLs groups the expirations applied to each namespace.
type TTLs struct {
	Metrics     time.Duration
	Weights     time.Duration
	ProxyConfig time.Duration
	Heartbeat   time.Duration
	Config      time.Duration
	Lock        time.Duration
}

// Store wraps a Redis client with the control plane's key and TTL conventions.
type Store struct {
	rdb        *redis.Client
	ttls       TTLs
	instanceID string
}

// New connects a Store. The connection is lazy; use Healthy to probe it.
func New(addr, password string, db int, instanceID string, ttls TTLs) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttls:       ttls,
		instanceID: instanceID,
	}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Healthy pings the store.
func (s *Store) Healthy(ctx context.Context) bool {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		log.Printf("[sharedstate] ping failed: %v", err)
		return false
	}
	return true
}

// --- metrics ---

// PutMetric stores the latest sample for a server.
func (s *Store) PutMetric(ctx context.Context, m *model.MetricSample) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metric %s: %w", m.ServerID, err)
	}
	if err := s.rdb.Set(ctx, keyMetricsPrefix+m.ServerID, data, s.ttls.Metrics).Err(); err != nil {
		return fmt.Errorf("store metric %s: %w", m.ServerID, err)
	}
	return nil
}

// GetMetric returns the latest sample for a server, or nil when none exists.
func (s *Store) GetMetric(ctx context.Context, serverID string) (*model.MetricSample, error) {
	data, err := s.rdb.Get(ctx, keyMetricsPrefix+serverID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get metric %s: %w", serverID, err)
	}
	var m model.MetricSample
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metric %s: %w", serverID, err)
	}
	return &m, nil
}

// AllMetrics scans the metrics namespace and returns every decodable sample
// keyed by server id. Undecodable entries are logged and skipped.
func (s *Store) AllMetrics(ctx context.Context) (map[string]*model.MetricSample, error) {
	out := make(map[string]*model.MetricSample)
	iter := s.rdb.Scan(ctx, 0, keyMetricsPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if key == keyMetricsPrefix {
			continue
		}
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if err != redis.Nil {
				log.Printf("[sharedstate] read %s: %v", key, err)
			}
			continue
		}
		var m model.MetricSample
		if err := json.Unmarshal(data, &m); err != nil {
			log.Printf("[sharedstate] decode %s: %v", key, err)
			continue
		}
		out[m.ServerID] = &m
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan metrics: %w", err)
	}
	return out, nil
}

// CleanupMetricsOlderThan deletes metric entries created before the cutoff.
// Returns the number of keys removed.
func (s *Store) CleanupMetricsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	iter := s.rdb.Scan(ctx, 0, keyMetricsPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var m model.MetricSample
		if err := json.Unmarshal(data, &m); err != nil || m.CreatedAt.Before(cutoff) {
			if delErr := s.rdb.Del(ctx, key).Err(); delErr == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan metrics for cleanup: %w", err)
	}
	return removed, nil
}

// --- weights ---

// PutWeights publishes the allocations for one pool and bumps the shared
// last-update timestamp.
func (s *Store) PutWeights(ctx context.Context, pool model.Pool, allocs []model.WeightAllocation) error {
	data, err := json.Marshal(allocs)
	if err != nil {
		return fmt.Errorf("marshal weights for %s: %w", pool, err)
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, keyWeightsPrefix+string(pool), data, s.ttls.Weights)
	pipe.Set(ctx, keyWeightsUpdated, time.Now().UTC().Format(time.RFC3339Nano), s.ttls.Weights)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store weights for %s: %w", pool, err)
	}
	return nil
}

// GetWeights returns the published allocations for one pool, or nil when absent.
func (s *Store) GetWeights(ctx context.Context, pool model.Pool) ([]model.WeightAllocation, error) {
	data, err := s.rdb.Get(ctx, keyWeightsPrefix+string(pool)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get weights for %s: %w", pool, err)
	}
	var allocs []model.WeightAllocation
	if err := json.Unmarshal(data, &allocs); err != nil {
		return nil, fmt.Errorf("decode weights for %s: %w", pool, err)
	}
	return allocs, nil
}

// LastWeightUpdate returns the shared weight publication timestamp, zero when absent.
func (s *Store) LastWeightUpdate(ctx context.Context) (time.Time, error) {
	return s.getTimestamp(ctx, keyWeightsUpdated)
}

// --- proxy config ---

// PutProxyConfig publishes rendered proxy configuration plus its timestamp.
func (s *Store) PutProxyConfig(ctx context.Context, content string) error {
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, keyProxyConfig, content, s.ttls.ProxyConfig)
	pipe.Set(ctx, keyProxyUpdated, time.Now().UTC().Format(time.RFC3339Nano), s.ttls.ProxyConfig)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store proxy config: %w", err)
	}
	return nil
}

// GetProxyConfig returns the published proxy config, empty when absent.
func (s *Store) GetProxyConfig(ctx context.Context) (string, error) {
	content, err := s.rdb.Get(ctx, keyProxyConfig).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get proxy config: %w", err)
	}
	return content, nil
}

// LastProxyUpdate returns the proxy config publication timestamp, zero when absent.
func (s *Store) LastProxyUpdate(ctx context.Context) (time.Time, error) {
	return s.getTimestamp(ctx, keyProxyUpdated)
}

// --- heartbeats ---

// Heartbeat publishes this instance's liveness record.
func (s *Store) Heartbeat(ctx context.Context, status string) error {
	hb := model.InstanceHeartbeat{
		InstanceID: s.instanceID,
		LastSeen:   time.Now().UTC(),
		Status:     status,
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := s.rdb.Set(ctx, keyInstancePrefix+s.instanceID, data, s.ttls.Heartbeat).Err(); err != nil {
		return fmt.Errorf("store heartbeat: %w", err)
	}
	return nil
}

// ActiveInstances returns every live heartbeat in the fleet.
func (s *Store) ActiveInstances(ctx context.Context) ([]model.InstanceHeartbeat, error) {
	var out []model.InstanceHeartbeat
	iter := s.rdb.Scan(ctx, 0, keyInstancePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var hb model.InstanceHeartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			log.Printf("[sharedstate] decode %s: %v", iter.Val(), err)
			continue
		}
		out = append(out, hb)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan instances: %w", err)
	}
	return out, nil
}

// --- locks ---

// TryAcquireLock attempts a SetNX advisory lock and returns an opaque token on
// success. The token is required to release the lock; a holder that outlives
// the TTL cannot release a lock someone else has since taken.
func (s *Store) TryAcquireLock(ctx context.Context, name string) (string, bool, error) {
	token := s.instanceID + ":" + uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, keyLockPrefix+name, token, s.ttls.Lock).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// releaseScript deletes the lock only when the stored token still matches.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// ReleaseLock releases the named lock if token still owns it.
func (s *Store) ReleaseLock(ctx context.Context, name, token string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{keyLockPrefix + name}, token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// --- generic config values ---

// StoreConfigValue stores an arbitrary JSON-encodable value under config:<key>.
func (s *Store) StoreConfigValue(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal config %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, keyConfigPrefix+key, data, s.ttls.Config).Err(); err != nil {
		return fmt.Errorf("store config %s: %w", key, err)
	}
	return nil
}

// ConfigValue decodes config:<key> into out. Returns false when absent.
func (s *Store) ConfigValue(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.rdb.Get(ctx, keyConfigPrefix+key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get config %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode config %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) getTimestamp(ctx context.Context, key string) (time.Time, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get %s: %w", key, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", key, err)
	}
	return ts, nil
}
