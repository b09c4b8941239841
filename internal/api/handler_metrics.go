package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/intouch-cp/weightd/internal/model"
)

// SharedView is the read side of the shared store the admin API serves from.
type SharedView interface {
	Healthy(ctx context.Context) bool
	GetMetric(ctx context.Context, serverID string) (*model.MetricSample, error)
	AllMetrics(ctx context.Context) (map[string]*model.MetricSample, error)
	GetWeights(ctx context.Context, pool model.Pool) ([]model.WeightAllocation, error)
	LastWeightUpdate(ctx context.Context) (time.Time, error)
	ActiveInstances(ctx context.Context) ([]model.InstanceHeartbeat, error)
}

// MetricHistory is the cold-store read side for per-server history queries.
type MetricHistory interface {
	MetricsSince(serverID string, since time.Time, limit int) ([]*model.MetricSample, error)
}

// HandleLatestMetrics returns a handler for GET /api/v1/metrics/latest.
func HandleLatestMetrics(shared SharedView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := shared.AllMetrics(r.Context())
		if err != nil {
			writeInternal(w, err)
			return
		}
		out := make([]*model.MetricSample, 0, len(all))
		for _, m := range all {
			out = append(out, m)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
		WriteJSON(w, http.StatusOK, map[string]any{
			"servers": out,
			"count":   len(out),
		})
	}
}

// HandleServerMetrics returns a handler for GET /api/v1/metrics/server/{id}.
// With ?history=N the last N cold-store samples are included.
func HandleServerMetrics(shared SharedView, history MetricHistory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}

		latest, err := shared.GetMetric(r.Context(), id)
		if err != nil {
			writeInternal(w, err)
			return
		}
		if latest == nil {
			writeNotFound(w, "no metrics recorded for server "+id)
			return
		}

		resp := map[string]any{"latest": latest}
		if v := r.URL.Query().Get("history"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeInvalidArgument(w, "history: must be a positive integer")
				return
			}
			samples, err := history.MetricsSince(id, time.Time{}, n)
			if err != nil {
				writeInternal(w, err)
				return
			}
			resp["history"] = samples
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleWeights returns a handler for GET /api/v1/weights.
func HandleWeights(shared SharedView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		incoming, err := shared.GetWeights(r.Context(), model.PoolIncoming)
		if err != nil {
			writeInternal(w, err)
			return
		}
		outgoing, err := shared.GetWeights(r.Context(), model.PoolOutgoing)
		if err != nil {
			writeInternal(w, err)
			return
		}
		updated, err := shared.LastWeightUpdate(r.Context())
		if err != nil {
			writeInternal(w, err)
			return
		}
		resp := map[string]any{
			"incoming": incoming,
			"outgoing": outgoing,
		}
		if !updated.IsZero() {
			resp["last_update"] = updated
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
