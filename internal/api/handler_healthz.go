package api

import (
	"net/http"

	"github.com/intouch-cp/weightd/internal/buildinfo"
)

// HandleHealthz returns the public liveness handler.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": buildinfo.Version,
		})
	}
}
