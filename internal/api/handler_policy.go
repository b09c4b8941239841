package api

import (
	"net/http"

	"github.com/intouch-cp/weightd/internal/model"
	"github.com/intouch-cp/weightd/internal/policy"
	"github.com/intouch-cp/weightd/internal/registry"
)

func requireRegisteredServer(w http.ResponseWriter, r *http.Request, reg *registry.Registry) (string, bool) {
	id, ok := requirePathParam(w, r, "id")
	if !ok {
		return "", false
	}
	if !reg.Known(id) {
		writeNotFound(w, "server "+id+" is not registered")
		return "", false
	}
	return id, true
}

// HandleListPolicies returns a handler for GET /api/v1/policies.
func HandleListPolicies(policies *policy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := policies.All()
		WriteJSON(w, http.StatusOK, map[string]any{
			"policies": all,
			"count":    len(all),
		})
	}
}

// HandleGetPolicy returns a handler for GET /api/v1/policies/{id}. A server
// without stored overrides gets the default policy created on first access.
func HandleGetPolicy(reg *registry.Registry, policies *policy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireRegisteredServer(w, r, reg)
		if !ok {
			return
		}
		p, err := policies.GetOrCreate(id)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

type patchPolicyRequest struct {
	DynamicEnabled     *bool `json:"dynamic_enabled,omitempty"`
	FixedWeight        *int  `json:"fixed_weight,omitempty"`
	AutoRemovalEnabled *bool `json:"auto_removal_enabled,omitempty"`
}

// HandlePatchPolicy returns a handler for PATCH /api/v1/policies/{id}.
// Disabling dynamic weighting requires a fixed weight in the same request.
func HandlePatchPolicy(reg *registry.Registry, policies *policy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireRegisteredServer(w, r, reg)
		if !ok {
			return
		}
		var req patchPolicyRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		var (
			p   *model.ServerPolicy
			err error
		)
		switch {
		case req.DynamicEnabled != nil && *req.DynamicEnabled:
			p, err = policies.EnableDynamic(id)
		case req.DynamicEnabled != nil && !*req.DynamicEnabled:
			if req.FixedWeight == nil {
				writeInvalidArgument(w, "fixed_weight: required when disabling dynamic weighting")
				return
			}
			p, err = policies.SetFixedWeight(id, *req.FixedWeight)
		case req.FixedWeight != nil:
			p, err = policies.SetFixedWeight(id, *req.FixedWeight)
		}
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		if req.AutoRemovalEnabled != nil {
			p, err = policies.SetAutoRemoval(id, *req.AutoRemovalEnabled, 0)
			if err != nil {
				writeInternal(w, err)
				return
			}
		}
		if p == nil {
			writeInvalidArgument(w, "request body contains no changes")
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

type fixedWeightRequest struct {
	Weight int `json:"weight"`
}

// HandleSetFixedWeight returns a handler for PUT /api/v1/policies/{id}/fixed-weight.
func HandleSetFixedWeight(reg *registry.Registry, policies *policy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireRegisteredServer(w, r, reg)
		if !ok {
			return
		}
		var req fixedWeightRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		p, err := policies.SetFixedWeight(id, req.Weight)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

// HandleEnableDynamic returns a handler for
// POST /api/v1/policies/{id}/actions/enable-dynamic.
func HandleEnableDynamic(reg *registry.Registry, policies *policy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireRegisteredServer(w, r, reg)
		if !ok {
			return
		}
		p, err := policies.EnableDynamic(id)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

// HandleSetThresholds returns a handler for PUT /api/v1/policies/{id}/thresholds.
func HandleSetThresholds(reg *registry.Registry, policies *policy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireRegisteredServer(w, r, reg)
		if !ok {
			return
		}
		var t model.Thresholds
		if err := DecodeBody(r, &t); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		p, err := policies.SetThresholds(id, t)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

type autoRemovalRequest struct {
	MaxViolations *int `json:"max_violations,omitempty"`
}

// HandleSetAutoRemoval returns a handler for the enable-auto-removal and
// disable-auto-removal policy actions. Enabling takes an optional body with
// the per-server violation limit.
func HandleSetAutoRemoval(reg *registry.Registry, policies *policy.Service, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireRegisteredServer(w, r, reg)
		if !ok {
			return
		}
		maxViolations := 0
		if enabled && r.ContentLength != 0 {
			var req autoRemovalRequest
			if err := DecodeBody(r, &req); err != nil {
				writeDecodeBodyError(w, err)
				return
			}
			if req.MaxViolations != nil {
				maxViolations = *req.MaxViolations
			}
		}
		p, err := policies.SetAutoRemoval(id, enabled, maxViolations)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

// HandleRemoveServer returns a handler for POST /api/v1/policies/{id}/actions/remove.
func HandleRemoveServer(reg *registry.Registry, policies *policy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireRegisteredServer(w, r, reg)
		if !ok {
			return
		}
		p, err := policies.Remove(id)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

// HandleReenableServer returns a handler for POST /api/v1/policies/{id}/actions/reenable.
func HandleReenableServer(reg *registry.Registry, policies *policy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireRegisteredServer(w, r, reg)
		if !ok {
			return
		}
		p, err := policies.Reenable(id)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

// HandleResetAllPolicies returns a handler for POST /api/v1/policies/actions/reset-all.
func HandleResetAllPolicies(policies *policy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := policies.ResetAll(); err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
