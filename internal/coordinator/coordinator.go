// Package coordinator drives the periodic control loops: the weight
// calculation cycle (guarded by a fleet-wide advisory lock), instance
// heartbeats, config drift sync, and the hot/cold store cleanups.
package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/intouch-cp/weightd/internal/model"
	"github.com/intouch-cp/weightd/internal/scanloop"
)

// Name of the advisory lock serializing weight cycles across the fleet.
const cycleLockName = "weight-calculation"

// SharedState is the coordination surface of the shared store.
type SharedState interface {
	TryAcquireLock(ctx context.Context, name string) (string, bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
	AllMetrics(ctx context.Context) (map[string]*model.MetricSample, error)
	PutWeights(ctx context.Context, pool model.Pool, allocs []model.WeightAllocation) error
	Heartbeat(ctx context.Context, status string) error
	CleanupMetricsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Engine computes one pool's allocations.
type Engine interface {
	Compute(pool model.Pool, servers []model.ServerDescriptor, metrics map[string]*model.MetricSample) []model.WeightAllocation
}

// ConfigApplier materializes allocations into the data plane config.
type ConfigApplier interface {
	UpdateDualUpstream(ctx context.Context, incoming, outgoing []model.WeightAllocation) error
	SyncFromShared(ctx context.Context) error
}

// PoolSource provides pool membership.
type PoolSource interface {
	Pool(pool model.Pool) []model.ServerDescriptor
}

// ColdStore is the durable tier: latest-sample reads when the hot store is
// unavailable or empty, and history pruning.
type ColdStore interface {
	LatestMetric(serverID string) (*model.MetricSample, error)
	DeleteMetricsBefore(cutoff time.Time) (int64, error)
}

// Config carries the coordinator intervals and retention windows.
type Config struct {
	CycleInterval       time.Duration
	CycleJitter         time.Duration
	HeartbeatInterval   time.Duration
	ConfigSyncInterval  time.Duration
	HotCleanupInterval  time.Duration
	MetricFreshWindow   time.Duration // samples older than this are ignored in cycles
	HotRetention        time.Duration // hot-store entries older than this are deleted
	ColdRetention       time.Duration
	ColdCleanupSchedule string // standard cron expression

	OpTimeout time.Duration // per-operation deadline inside loops
}

// Coordinator owns the background workers.
type Coordinator struct {
	shared SharedState
	engine Engine
	pools  PoolSource
	config ConfigApplier
	cold   ColdStore
	cfg    Config

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	cron    *cron.Cron
}

// New wires a coordinator. recalcSignal may be nil; when set, signals on it
// (e.g. the ingest quorum) trigger an immediate cycle.
func New(shared SharedState, engine Engine, pools PoolSource, config ConfigApplier, cold ColdStore, recalcSignal <-chan struct{}, cfg Config) *Coordinator {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	c := &Coordinator{
		shared:  shared,
		engine:  engine,
		pools:   pools,
		config:  config,
		cold:    cold,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	if recalcSignal != nil {
		c.wg.Add(1)
		go c.forwardSignals(recalcSignal)
	}
	return c
}

// Start launches all loops. The first heartbeat registers the instance
// immediately.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		scanloop.RunWithWake(c.stopCh, c.trigger, c.cfg.CycleInterval, c.cfg.CycleJitter, c.RunCycle)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		scanloop.Run(c.stopCh, c.cfg.HeartbeatInterval, 0, true, c.heartbeat)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		scanloop.Run(c.stopCh, c.cfg.ConfigSyncInterval, 0, true, c.syncConfig)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		scanloop.Run(c.stopCh, c.cfg.HotCleanupInterval, 0, false, c.cleanupHot)
	}()

	c.cron = cron.New()
	if _, err := c.cron.AddFunc(c.cfg.ColdCleanupSchedule, c.cleanupCold); err != nil {
		// Schedule is validated at config load; this only fires on a bug.
		log.Printf("[coordinator] cold cleanup schedule rejected: %v", err)
	} else {
		c.cron.Start()
	}

	log.Printf("[coordinator] started (cycle=%v heartbeat=%v sync=%v)",
		c.cfg.CycleInterval, c.cfg.HeartbeatInterval, c.cfg.ConfigSyncInterval)
}

// Stop shuts down all loops and waits for them to drain.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	c.wg.Wait()
	log.Printf("[coordinator] stopped")
}

// TriggerRecalc requests an immediate cycle; duplicate requests coalesce.
func (c *Coordinator) TriggerRecalc() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Coordinator) forwardSignals(src <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-src:
			c.TriggerRecalc()
		}
	}
}

// RunCycle executes one weight calculation cycle. Only the lock holder
// computes; everyone else picks the result up through the drift sync.
func (c *Coordinator) RunCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OpTimeout)
	defer cancel()

	token, ok, err := c.shared.TryAcquireLock(ctx, cycleLockName)
	if err != nil {
		log.Printf("[coordinator] warning: lock acquisition failed, skipping cycle: %v", err)
		return
	}
	if !ok {
		log.Printf("[coordinator] another instance holds the %s lock, skipping cycle", cycleLockName)
		return
	}
	defer func() {
		// A fresh context: the cycle may have exhausted its own budget, and
		// a lock that cannot be released lingers until its TTL.
		relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer relCancel()
		if err := c.shared.ReleaseLock(relCtx, cycleLockName, token); err != nil {
			log.Printf("[coordinator] warning: lock release failed: %v", err)
		}
	}()

	all, err := c.shared.AllMetrics(ctx)
	if err != nil {
		log.Printf("[coordinator] warning: hot metrics read failed, trying cold store: %v", err)
		all = nil
	}
	if len(all) == 0 {
		all = c.coldLatest()
	}

	fresh := make(map[string]*model.MetricSample, len(all))
	now := time.Now()
	for id, m := range all {
		if m.FreshWithin(now, c.cfg.MetricFreshWindow) {
			fresh[id] = m
		}
	}
	if len(all) != len(fresh) {
		log.Printf("[coordinator] ignoring %d stale samples", len(all)-len(fresh))
	}
	if len(fresh) == 0 {
		log.Printf("[coordinator] no samples within %v, leaving weights untouched", c.cfg.MetricFreshWindow)
		return
	}

	incoming := c.computePool(ctx, model.PoolIncoming, fresh)
	outgoing := c.computePool(ctx, model.PoolOutgoing, fresh)

	if err := c.config.UpdateDualUpstream(ctx, incoming, outgoing); err != nil {
		log.Printf("[coordinator] warning: config update failed: %v", err)
	}
}

// coldLatest rebuilds the metric set from the durable store, one latest
// sample per registered server. Staleness is filtered by the caller.
func (c *Coordinator) coldLatest() map[string]*model.MetricSample {
	out := make(map[string]*model.MetricSample)
	for _, pool := range []model.Pool{model.PoolIncoming, model.PoolOutgoing} {
		for _, s := range c.pools.Pool(pool) {
			m, err := c.cold.LatestMetric(s.ID)
			if err != nil {
				log.Printf("[coordinator] warning: cold read failed for %s: %v", s.ID, err)
				continue
			}
			if m != nil {
				out[s.ID] = m
			}
		}
	}
	if len(out) > 0 {
		log.Printf("[coordinator] hot store empty, using %d cold-store samples", len(out))
	}
	return out
}

func (c *Coordinator) computePool(ctx context.Context, pool model.Pool, metrics map[string]*model.MetricSample) []model.WeightAllocation {
	servers := c.pools.Pool(pool)
	poolMetrics := make(map[string]*model.MetricSample)
	for _, s := range servers {
		if m, ok := metrics[s.ID]; ok {
			poolMetrics[s.ID] = m
		}
	}
	allocs := c.engine.Compute(pool, servers, poolMetrics)
	if len(allocs) == 0 {
		return nil
	}
	if err := c.shared.PutWeights(ctx, pool, allocs); err != nil {
		log.Printf("[coordinator] warning: weight publish failed for %s: %v", pool, err)
	}
	return allocs
}

func (c *Coordinator) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OpTimeout)
	defer cancel()
	if err := c.shared.Heartbeat(ctx, "active"); err != nil {
		log.Printf("[coordinator] warning: heartbeat failed: %v", err)
	}
}

func (c *Coordinator) syncConfig() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OpTimeout)
	defer cancel()
	if err := c.config.SyncFromShared(ctx); err != nil {
		log.Printf("[coordinator] warning: config sync failed: %v", err)
	}
}

func (c *Coordinator) cleanupHot() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OpTimeout)
	defer cancel()
	removed, err := c.shared.CleanupMetricsOlderThan(ctx, time.Now().Add(-c.cfg.HotRetention))
	if err != nil {
		log.Printf("[coordinator] warning: hot cleanup failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("[coordinator] hot cleanup removed %d stale entries", removed)
	}
}

func (c *Coordinator) cleanupCold() {
	deleted, err := c.cold.DeleteMetricsBefore(time.Now().Add(-c.cfg.ColdRetention))
	if err != nil {
		log.Printf("[coordinator] warning: cold cleanup failed: %v", err)
		return
	}
	log.Printf("[coordinator] cold cleanup removed %d rows older than %v", deleted, c.cfg.ColdRetention)
}
