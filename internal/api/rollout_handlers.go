package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	apierrors "github.com/fleetota/control-plane/internal/api/errors"
	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/rollout"
)

type createRolloutRequest struct {
	Version            string `json:"version" validate:"required"`
	StagePercentages   []int  `json:"stagePercentages"`
	AutoExpand         bool   `json:"autoExpand"`
	ExpandAfterMinutes int    `json:"expandAfterMinutes"`
	FailureThreshold   int    `json:"failureThreshold"`
}

func createRolloutHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRolloutRequest
		if apiErr := decodeAndValidate(r, &req); apiErr != nil {
			apierrors.WriteError(w, apiErr)
			return
		}

		ro, err := config.Rollout.Create(r.Context(), req.Version, req.StagePercentages, req.AutoExpand, req.ExpandAfterMinutes, req.FailureThreshold)
		if err != nil {
			writeRolloutError(w, err)
			return
		}

		recordAudit(r.Context(), config, r, "rollout.create", "rollout", ro.ID, ro.Version,
			map[string]interface{}{"stagePercentages": ro.StagePercentages, "totalDevices": ro.TotalDevices}, core.AuditInfo)
		writeCreated(w, ro)
	}
}

func advanceRolloutHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		ro, err := config.Rollout.Advance(r.Context(), id)
		if err != nil {
			writeRolloutError(w, err)
			return
		}

		recordAudit(r.Context(), config, r, "rollout.advance", "rollout", id, ro.Version,
			map[string]interface{}{"currentStage": ro.CurrentStage}, core.AuditInfo)
		writeOK(w, ro)
	}
}

func pauseRolloutHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		ro, err := config.Rollout.Pause(r.Context(), id)
		if err != nil {
			writeRolloutError(w, err)
			return
		}

		recordAudit(r.Context(), config, r, "rollout.pause", "rollout", id, ro.Version, nil, core.AuditWarning)
		writeOK(w, ro)
	}
}

func resumeRolloutHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		ro, err := config.Rollout.Resume(r.Context(), id)
		if err != nil {
			writeRolloutError(w, err)
			return
		}

		recordAudit(r.Context(), config, r, "rollout.resume", "rollout", id, ro.Version, nil, core.AuditInfo)
		writeOK(w, ro)
	}
}

func cancelRolloutHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := config.Rollout.Cancel(r.Context(), id); err != nil {
			writeRolloutError(w, err)
			return
		}

		recordAudit(r.Context(), config, r, "rollout.cancel", "rollout", id, "", nil, core.AuditWarning)
		writeNoContent(w)
	}
}

func writeRolloutError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rollout.ErrFinalStage), errors.Is(err, rollout.ErrNotActive):
		apierrors.WriteError(w, apierrors.ConflictError(err.Error()))
	case errors.Is(err, core.ErrRolloutNotFound):
		apierrors.WriteError(w, apierrors.NotFoundError("rollout"))
	default:
		apierrors.WriteError(w, apierrors.InternalError(err.Error()))
	}
}
