// Package handlers implements the HTTP handlers of the provisioning gateway.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/deepdiagram/deepdiagram/sync-core/internal/provision"
	"github.com/deepdiagram/deepdiagram/sync-core/pkg/models"
)

// Handlers holds the gateway's handler dependencies.
type Handlers struct {
	Provisioner *provision.Service
	Version     string
}

// New creates a Handlers instance.
func New(svc *provision.Service, version string) *Handlers {
	return &Handlers{Provisioner: svc, Version: version}
}

// Provision answers POST /provision. Body: {username, password, db}.
//
//	200 "OK"      — caller already allowed, or missing-path provisioning
//	                completed (user + database + membership all created)
//	401 "Denied"  — database exists, caller unauthorized; nothing granted
//	400           — a required field is missing
//	500 "Error …" — a provisioning step failed; the body names the step,
//	                never the underlying detail
func (h *Handlers) Provision(w http.ResponseWriter, r *http.Request) {
	var req provision.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondText(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tier, err := h.Provisioner.Provision(r.Context(), req)
	switch {
	case errors.Is(err, provision.ErrValidation):
		respondText(w, http.StatusBadRequest, provision.ErrValidation.Error())
	case err != nil:
		var se *provision.StepError
		body := "Error"
		if errors.As(err, &se) {
			body = "Error: " + se.Step + " failed"
		}
		log.Error().Err(err).Str("db", req.DB).Str("user", req.Username).Msg("provisioning failed")
		respondText(w, http.StatusInternalServerError, body)
	case tier == models.TierDenied:
		respondText(w, http.StatusUnauthorized, "Denied")
	default:
		// TierAllowed, or TierMissing after successful provisioning.
		respondText(w, http.StatusOK, "OK")
	}
}

// Health answers GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "deepdiagram-provisioning-gateway",
	})
}

// VersionInfo answers GET /version.
func (h *Handlers) VersionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
		"service": "deepdiagram-provisioning-gateway",
	})
}

func respondText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
