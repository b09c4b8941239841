package api

import (
	"net/http"

	"github.com/intouch-cp/weightd/internal/model"
	"github.com/intouch-cp/weightd/internal/policy"
	"github.com/intouch-cp/weightd/internal/registry"
)

// serverResponse joins a descriptor with its policy-derived traffic state.
type serverResponse struct {
	model.ServerDescriptor
	Removed bool `json:"removed"`
}

func toServerResponse(s model.ServerDescriptor, policies *policy.Service) serverResponse {
	resp := serverResponse{ServerDescriptor: s}
	if p := policies.Get(s.ID); p != nil {
		resp.Removed = p.Removed()
	}
	return resp
}

// HandleListServers returns a handler for GET /api/v1/servers.
func HandleListServers(reg *registry.Registry, policies *policy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		group := func(pool model.Pool) []serverResponse {
			servers := reg.Pool(pool)
			out := make([]serverResponse, 0, len(servers))
			for _, s := range servers {
				out = append(out, toServerResponse(s, policies))
			}
			return out
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"incoming": group(model.PoolIncoming),
			"outgoing": group(model.PoolOutgoing),
		})
	}
}

type createServerRequest struct {
	ID      string     `json:"id"`
	Host    string     `json:"host"`
	Port    int        `json:"port,omitempty"`
	Name    string     `json:"name,omitempty"`
	Pool    model.Pool `json:"pool"`
	Enabled *bool      `json:"enabled,omitempty"`
}

// HandleCreateServer returns a handler for POST /api/v1/servers.
func HandleCreateServer(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createServerRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}
		s := model.ServerDescriptor{
			ID:      req.ID,
			Host:    req.Host,
			Port:    req.Port,
			Name:    req.Name,
			Pool:    req.Pool,
			Enabled: enabled,
		}
		if err := reg.Add(s); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusCreated, s)
	}
}

// HandleDeleteServer returns a handler for DELETE /api/v1/servers/{id}.
// The server's stored policy is deleted with it.
func HandleDeleteServer(reg *registry.Registry, policies *policy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		if !reg.Remove(id) {
			writeNotFound(w, "server "+id+" is not registered")
			return
		}
		if err := policies.Delete(id); err != nil {
			writeInternal(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleToggleServer returns a handler for POST /api/v1/servers/{id}/actions/toggle.
func HandleToggleServer(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		s, found := reg.Get(id)
		if !found {
			writeNotFound(w, "server "+id+" is not registered")
			return
		}
		s, _ = reg.SetEnabled(id, !s.Enabled)
		WriteJSON(w, http.StatusOK, s)
	}
}
