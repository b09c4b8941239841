package api

import (
	"errors"
	"net/http"

	"github.com/intouch-cp/weightd/internal/ingest"
	"github.com/intouch-cp/weightd/internal/model"
)

// ingestError is the error envelope the reporting agents expect; it differs
// from the admin API envelope on purpose.
type ingestError struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	ServerID string `json:"serverId"`
}

// HandleIngestMetrics returns a handler for POST /api/metrics/server/{serverId}.
func HandleIngestMetrics(pipeline *ingest.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverID := PathParam(r, "serverId")
		if serverID == "" {
			WriteJSON(w, http.StatusBadRequest, ingestError{
				Status:  "error",
				Message: "server id is required",
			})
			return
		}

		var sample model.MetricSample
		if err := DecodeBody(r, &sample); err != nil {
			WriteJSON(w, http.StatusBadRequest, ingestError{
				Status:   "error",
				Message:  err.Error(),
				ServerID: serverID,
			})
			return
		}

		result, err := pipeline.Ingest(r.Context(), serverID, &sample)
		if err != nil {
			// The reporting contract is 400 for both validation failures
			// and unknown servers.
			status := http.StatusBadRequest
			var vErr *ingest.ValidationError
			if !errors.As(err, &vErr) && !errors.Is(err, ingest.ErrUnknownServer) {
				status = http.StatusInternalServerError
			}
			WriteJSON(w, status, ingestError{
				Status:   "error",
				Message:  err.Error(),
				ServerID: serverID,
			})
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
