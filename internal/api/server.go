package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/intouch-cp/weightd/internal/ingest"
	"github.com/intouch-cp/weightd/internal/policy"
	"github.com/intouch-cp/weightd/internal/registry"
	"github.com/intouch-cp/weightd/internal/weight"
)

// Deps carries everything the HTTP surface is wired to.
type Deps struct {
	InstanceID string
	Registry   *registry.Registry
	Shared     SharedView
	History    MetricHistory
	Policies   *policy.Service
	Factors    *weight.FactorRegistry
	Pipeline   *ingest.Pipeline
	Recalc     Recalcer
	ConfigSync ConfigSync
}

// Server wraps the HTTP server and mux for the control plane API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates an API server wired with all routes. The ingest endpoint
// and /healthz are public; everything under /api/v1 requires the admin token.
func NewServer(listenAddress string, port int, adminToken string, apiMaxBodyBytes int64, d Deps) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())
	mux.Handle("POST /api/metrics/server/{serverId}",
		RequestBodyLimitMiddleware(apiMaxBodyBytes, HandleIngestMetrics(d.Pipeline)))

	// Authenticated routes
	authed := http.NewServeMux()

	// Metrics and weights.
	authed.Handle("GET /api/v1/metrics/latest", HandleLatestMetrics(d.Shared))
	authed.Handle("GET /api/v1/metrics/server/{id}", HandleServerMetrics(d.Shared, d.History))
	authed.Handle("GET /api/v1/weights", HandleWeights(d.Shared))

	// Server membership.
	authed.Handle("GET /api/v1/servers", HandleListServers(d.Registry, d.Policies))
	authed.Handle("POST /api/v1/servers", HandleCreateServer(d.Registry))
	authed.Handle("DELETE /api/v1/servers/{id}", HandleDeleteServer(d.Registry, d.Policies))
	authed.Handle("POST /api/v1/servers/{id}/actions/toggle", HandleToggleServer(d.Registry))

	// Per-server policies.
	authed.Handle("GET /api/v1/policies", HandleListPolicies(d.Policies))
	authed.Handle("GET /api/v1/policies/{id}", HandleGetPolicy(d.Registry, d.Policies))
	authed.Handle("PATCH /api/v1/policies/{id}", HandlePatchPolicy(d.Registry, d.Policies))
	authed.Handle("PUT /api/v1/policies/{id}/fixed-weight", HandleSetFixedWeight(d.Registry, d.Policies))
	authed.Handle("POST /api/v1/policies/{id}/actions/enable-dynamic", HandleEnableDynamic(d.Registry, d.Policies))
	authed.Handle("PUT /api/v1/policies/{id}/thresholds", HandleSetThresholds(d.Registry, d.Policies))
	authed.Handle("POST /api/v1/policies/{id}/actions/enable-auto-removal", HandleSetAutoRemoval(d.Registry, d.Policies, true))
	authed.Handle("POST /api/v1/policies/{id}/actions/disable-auto-removal", HandleSetAutoRemoval(d.Registry, d.Policies, false))
	authed.Handle("POST /api/v1/policies/{id}/actions/remove", HandleRemoveServer(d.Registry, d.Policies))
	authed.Handle("POST /api/v1/policies/{id}/actions/reenable", HandleReenableServer(d.Registry, d.Policies))
	authed.Handle("POST /api/v1/policies/actions/reset-all", HandleResetAllPolicies(d.Policies))

	// Weight factors.
	authed.Handle("GET /api/v1/weight-factors", HandleGetFactors(d.Factors))
	authed.Handle("PATCH /api/v1/weight-factors", HandlePatchFactors(d.Factors))
	authed.Handle("POST /api/v1/weight-factors/actions/normalize", HandleNormalizeFactors(d.Factors))
	authed.Handle("POST /api/v1/weight-factors/actions/reset", HandleResetFactors(d.Factors))
	authed.Handle("GET /api/v1/weight-factors/presets", HandleListPresets())
	authed.Handle("POST /api/v1/weight-factors/presets/{name}", HandleApplyPreset(d.Factors))

	// Cluster-wide actions.
	authed.Handle("POST /api/v1/actions/recalculate", HandleRecalculate(d.Recalc))
	authed.Handle("POST /api/v1/actions/sync-config", HandleSyncConfig(d.ConfigSync))
	authed.Handle("GET /api/v1/cluster/instances", HandleClusterInstances(d.Shared))
	authed.Handle("GET /api/v1/cluster/status", HandleClusterStatus(d.InstanceID, d.Shared, d.ConfigSync))

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/api/v1/", AuthMiddleware(adminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
