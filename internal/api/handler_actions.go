package api

import (
	"context"
	"net/http"
	"time"
)

// Recalcer schedules an immediate weight cycle.
type Recalcer interface {
	TriggerRecalc()
}

// ConfigSync is the local proxy-config state the admin API exposes.
type ConfigSync interface {
	ForceRefresh(ctx context.Context) error
	InSync(ctx context.Context) bool
	LastUpdate() time.Time
}

// HandleRecalculate returns a handler for POST /api/v1/actions/recalculate.
// The cycle runs asynchronously on the coordinator.
func HandleRecalculate(recalc Recalcer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recalc.TriggerRecalc()
		WriteJSON(w, http.StatusAccepted, map[string]string{
			"status":  "accepted",
			"message": "weight recalculation scheduled",
		})
	}
}

// HandleSyncConfig returns a handler for POST /api/v1/actions/sync-config.
func HandleSyncConfig(sync ConfigSync) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sync.ForceRefresh(r.Context()); err != nil {
			writeInternal(w, err)
			return
		}
		resp := map[string]any{"status": "ok"}
		if last := sync.LastUpdate(); !last.IsZero() {
			resp["last_update"] = last
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
