// Package v1 exposes the upgrade orchestrator over HTTP. Wire-level
// validation (UUID path params, JSON shape) happens here; the orchestrator
// re-validates only the invariants it depends on.
package v1

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	api "github.com/meshmon/meshmon/api/v1"
	"github.com/meshmon/meshmon/internal/upgrade"
	"github.com/meshmon/meshmon/pkg/metrics"
	"github.com/meshmon/meshmon/pkg/version"
)

const defaultHistoryLimit = 20

type Handler struct {
	ctrl           *upgrade.Controller
	currentVersion string
}

func NewHandler(ctrl *upgrade.Controller, currentVersion string) *Handler {
	return &Handler{ctrl: ctrl, currentVersion: currentVersion}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/info", h.GetInfo)

	r.Route("/upgrade", func(r chi.Router) {
		r.Post("/", h.TriggerUpgrade)
		r.Get("/active", h.GetActiveUpgrade)
		r.Get("/history", h.GetUpgradeHistory)
		r.Get("/latest-status", h.GetLatestUpgradeStatus)
		r.Post("/test-configuration", h.TestConfiguration)
		r.Get("/{id}", h.GetUpgradeStatus)
		r.Post("/{id}/cancel", h.CancelUpgrade)
	})
}

// (GET /api/v1/health)
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// (GET /api/v1/info)
func (h *Handler) GetInfo(w http.ResponseWriter, r *http.Request) {
	versionInfo := version.Get()
	render.JSON(w, r, api.Info{
		VersionName:      versionInfo.GitVersion,
		GitCommit:        versionInfo.GitCommit,
		DeploymentMethod: h.ctrl.DeploymentMethod(),
		UpgradeEnabled:   h.ctrl.IsEnabled(),
	})
}

// (POST /api/v1/upgrade)
func (h *Handler) TriggerUpgrade(w http.ResponseWriter, r *http.Request) {
	if !h.ctrl.IsEnabled() {
		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, api.TriggerResult{Success: false, Message: "self-upgrade is disabled"})
		return
	}

	var opts api.UpgradeOptions
	if err := render.DecodeJSON(r.Body, &opts); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, api.TriggerResult{Success: false, Message: "malformed request body"})
		return
	}

	initiatedBy := r.Header.Get("X-Meshmon-User")
	if initiatedBy == "" {
		initiatedBy = "system"
	}

	result, err := h.ctrl.TriggerUpgrade(r.Context(), opts, h.currentVersion, initiatedBy)
	if err != nil {
		metrics.IncreaseUpgradeTriggersTotalMetric("error")
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, api.TriggerResult{Success: false, Message: err.Error()})
		return
	}
	if result.Success {
		metrics.IncreaseUpgradeTriggersTotalMetric("accepted")
	} else {
		metrics.IncreaseUpgradeTriggersTotalMetric("rejected")
	}
	render.JSON(w, r, result)
}

// (POST /api/v1/upgrade/{id}/cancel)
func (h *Handler) CancelUpgrade(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, api.CancelResult{Success: false, Message: "invalid upgrade id"})
		return
	}

	result, err := h.ctrl.CancelUpgrade(r.Context(), id)
	if err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, api.CancelResult{Success: false, Message: err.Error()})
		return
	}
	render.JSON(w, r, result)
}

// (GET /api/v1/upgrade/{id})
func (h *Handler) GetUpgradeStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid upgrade id", http.StatusBadRequest)
		return
	}

	job, err := h.ctrl.GetUpgradeStatus(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.Error(w, "upgrade not found", http.StatusNotFound)
		return
	}
	render.JSON(w, r, toAPIUpgradeJob(job))
}

// (GET /api/v1/upgrade/active)
func (h *Handler) GetActiveUpgrade(w http.ResponseWriter, r *http.Request) {
	job, err := h.ctrl.GetActiveUpgrade(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.Error(w, "no active upgrade", http.StatusNotFound)
		return
	}
	render.JSON(w, r, toAPIUpgradeJob(job))
}

// (GET /api/v1/upgrade/history?limit=N)
func (h *Handler) GetUpgradeHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	jobs, err := h.ctrl.GetUpgradeHistory(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, toAPIUpgradeJobList(jobs))
}

// (GET /api/v1/upgrade/latest-status)
func (h *Handler) GetLatestUpgradeStatus(w http.ResponseWriter, r *http.Request) {
	record, err := h.ctrl.GetLatestUpgradeStatus()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "no upgrade status recorded", http.StatusNotFound)
		return
	}
	render.JSON(w, r, record)
}

// (POST /api/v1/upgrade/test-configuration)
func (h *Handler) TestConfiguration(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.ctrl.TestConfiguration(r.Context()))
}
