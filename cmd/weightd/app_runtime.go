package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/intouch-cp/weightd/internal/api"
	"github.com/intouch-cp/weightd/internal/coldstore"
	"github.com/intouch-cp/weightd/internal/config"
	"github.com/intouch-cp/weightd/internal/coordinator"
	"github.com/intouch-cp/weightd/internal/ingest"
	"github.com/intouch-cp/weightd/internal/model"
	"github.com/intouch-cp/weightd/internal/nginx"
	"github.com/intouch-cp/weightd/internal/policy"
	"github.com/intouch-cp/weightd/internal/registry"
	"github.com/intouch-cp/weightd/internal/sharedstate"
	"github.com/intouch-cp/weightd/internal/weight"
)

// weightdApp holds everything run() wires up, in shutdown order.
type weightdApp struct {
	envCfg *config.EnvConfig

	shared *sharedstate.Store
	cold   *coldstore.Store
	table  *ingest.EwmaTable
	coord  *coordinator.Coordinator
	apiSrv *api.Server
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	app, err := newWeightdApp(envCfg)
	if err != nil {
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newWeightdApp(envCfg *config.EnvConfig) (*weightdApp, error) {
	app := &weightdApp{envCfg: envCfg}

	// Phase 1: server membership from the pools file.
	pools, err := config.LoadPools(envCfg.PoolsFile)
	if err != nil {
		return nil, err
	}
	seed := append(append([]model.ServerDescriptor{}, pools.Incoming...), pools.Outgoing...)
	reg := registry.New(seed...)
	log.Printf("Registered %d incoming and %d outgoing servers", len(pools.Incoming), len(pools.Outgoing))

	// Phase 2: shared state.
	app.shared = sharedstate.New(envCfg.RedisAddr, envCfg.RedisPassword, envCfg.RedisDB, envCfg.InstanceID, sharedstate.TTLs{
		Metrics:     envCfg.MetricsTTL,
		Weights:     envCfg.WeightsTTL,
		ProxyConfig: envCfg.NginxConfigTTL,
		Heartbeat:   envCfg.HeartbeatTTL,
		Config:      envCfg.ConfigTTL,
		Lock:        envCfg.LockTTL,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	healthy := app.shared.Healthy(pingCtx)
	cancel()
	if !healthy {
		log.Printf("warning: shared state unreachable at %s, continuing degraded", envCfg.RedisAddr)
	}

	// Phase 3: durable history.
	if err := os.MkdirAll(envCfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	app.cold, err = coldstore.Open(filepath.Join(envCfg.DataDir, "weightd.db"))
	if err != nil {
		return nil, fmt.Errorf("open cold store: %w", err)
	}

	// Phase 4: policies, factors, scoring.
	policies, err := policy.NewService(app.cold)
	if err != nil {
		return nil, err
	}
	factors := weight.NewFactorRegistry()
	engine := weight.NewEngine(factors, policies)

	// Phase 5: ingest pipeline.
	app.table = ingest.NewEwmaTable(envCfg.MaxEwmaTableEntries)
	pipeline := ingest.NewPipeline(reg, app.shared, app.cold, policies, app.table, ingest.Config{
		Alpha:           envCfg.EwmaAlpha,
		RecomputeWindow: envCfg.RecomputeWindow,
		RecomputeQuorum: envCfg.RecomputeQuorum,
	})

	// Phase 6: nginx materialization.
	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	nginxSvc, err := nginx.NewService(initCtx, envCfg.NginxConfigPath(), envCfg.NginxReloadCommand, envCfg.ReloadTimeout, app.shared)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("nginx service: %w", err)
	}

	// Phase 7: coordination loops.
	app.coord = coordinator.New(app.shared, engine, reg, nginxSvc, app.cold, pipeline.RecalcSignal(), coordinator.Config{
		CycleInterval:       envCfg.WeightCycleInterval,
		HeartbeatInterval:   envCfg.HeartbeatInterval,
		ConfigSyncInterval:  envCfg.ConfigSyncInterval,
		HotCleanupInterval:  envCfg.HotCleanupInterval,
		MetricFreshWindow:   envCfg.MetricFreshWindow,
		HotRetention:        envCfg.MetricsTTL,
		ColdRetention:       envCfg.ColdRetention,
		ColdCleanupSchedule: envCfg.ColdCleanupSchedule,
	})
	app.coord.Start()

	// Phase 8: HTTP surface.
	app.apiSrv = api.NewServer(envCfg.ListenAddress, envCfg.Port, envCfg.AdminToken, int64(envCfg.APIMaxBodyBytes), api.Deps{
		InstanceID: envCfg.InstanceID,
		Registry:   reg,
		Shared:     app.shared,
		History:    app.cold,
		Policies:   policies,
		Factors:    factors,
		Pipeline:   pipeline,
		Recalc:     app.coord,
		ConfigSync: nginxSvc,
	})

	return app, nil
}

func (a *weightdApp) startServers() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("weightd API listening on %s:%d (instance %s)", a.envCfg.ListenAddress, a.envCfg.Port, a.envCfg.InstanceID)
		if err := a.apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

// shutdown stops components in reverse start order: HTTP first so no new work
// arrives, then the loops, then the stores.
func (a *weightdApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("API shutdown error: %v", err)
	}
	a.coord.Stop()
	a.table.Close()
	if err := a.cold.Close(); err != nil {
		log.Printf("Cold store close error: %v", err)
	}
	if err := a.shared.Close(); err != nil {
		log.Printf("Shared state close error: %v", err)
	}
	log.Println("Server stopped")
}
