package api

import (
	"net/http"

	"github.com/intouch-cp/weightd/internal/weight"
)

func factorsResponse(f weight.Factors) map[string]any {
	return map[string]any{
		"factors": f,
		"sum":     f.Sum(),
		"valid":   f.Valid(),
	}
}

// HandleGetFactors returns a handler for GET /api/v1/weight-factors.
func HandleGetFactors(factors *weight.FactorRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, factorsResponse(factors.Current()))
	}
}

// HandlePatchFactors returns a handler for PATCH /api/v1/weight-factors.
func HandlePatchFactors(factors *weight.FactorRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch weight.FactorPatch
		if err := DecodeBody(r, &patch); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		f, err := factors.Apply(patch)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, factorsResponse(f))
	}
}

// HandleNormalizeFactors returns a handler for
// POST /api/v1/weight-factors/actions/normalize.
func HandleNormalizeFactors(factors *weight.FactorRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := factors.Normalize()
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, factorsResponse(f))
	}
}

// HandleResetFactors returns a handler for POST /api/v1/weight-factors/actions/reset.
func HandleResetFactors(factors *weight.FactorRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, factorsResponse(factors.Reset()))
	}
}

// HandleListPresets returns a handler for GET /api/v1/weight-factors/presets.
func HandleListPresets() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"presets": weight.Presets()})
	}
}

// HandleApplyPreset returns a handler for POST /api/v1/weight-factors/presets/{name}.
func HandleApplyPreset(factors *weight.FactorRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := requirePathParam(w, r, "name")
		if !ok {
			return
		}
		f, err := factors.ApplyPreset(name)
		if err != nil {
			writeNotFound(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, factorsResponse(f))
	}
}
