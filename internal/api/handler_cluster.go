package api

import (
	"net/http"

	"github.com/intouch-cp/weightd/internal/buildinfo"
)

// HandleClusterInstances returns a handler for GET /api/v1/cluster/instances.
func HandleClusterInstances(shared SharedView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instances, err := shared.ActiveInstances(r.Context())
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"instances": instances,
			"count":     len(instances),
		})
	}
}

// HandleClusterStatus returns a handler for GET /api/v1/cluster/status.
func HandleClusterStatus(instanceID string, shared SharedView, sync ConfigSync) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"instance_id":          instanceID,
			"version":              buildinfo.Version,
			"shared_state_healthy": shared.Healthy(r.Context()),
			"config_in_sync":       sync.InSync(r.Context()),
		}
		if last := sync.LastUpdate(); !last.IsZero() {
			resp["config_last_update"] = last
		}
		if weights, err := shared.LastWeightUpdate(r.Context()); err == nil && !weights.IsZero() {
			resp["weights_last_update"] = weights
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
