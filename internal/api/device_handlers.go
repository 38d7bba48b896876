package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	apierrors "github.com/fleetota/control-plane/internal/api/errors"
	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/queue"
)

type deleteDeviceRequest struct {
	Reason string `json:"reason" validate:"required,min=1,max=500"`
}

func deleteDeviceHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac := mux.Vars(r)["mac"]
		var req deleteDeviceRequest
		if apiErr := decodeAndValidate(r, &req); apiErr != nil {
			apierrors.WriteError(w, apiErr)
			return
		}

		if err := config.Repository.DeleteDevice(r.Context(), mac, req.Reason); err != nil {
			writeResult(w, nil, err, "device")
			return
		}

		recordAudit(r.Context(), config, r, "device.delete", "device", mac, mac,
			map[string]interface{}{"reason": req.Reason}, core.AuditWarning)
		writeNoContent(w)
	}
}

type enqueueCommandRequest struct {
	Command string `json:"command" validate:"required,min=1,max=64"`
	Payload string `json:"payload"`
}

func enqueueCommandHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac := mux.Vars(r)["mac"]
		var req enqueueCommandRequest
		if apiErr := decodeAndValidate(r, &req); apiErr != nil {
			apierrors.WriteError(w, apiErr)
			return
		}

		if err := config.Commands.EnqueueCommand(r.Context(), mac, req.Command, req.Payload); err != nil {
			writeResult(w, nil, err, "device")
			return
		}

		recordAudit(r.Context(), config, r, "device.command.enqueue", "device", mac, mac,
			map[string]interface{}{"command": req.Command}, core.AuditInfo)
		writeCreated(w, map[string]interface{}{"mac": mac, "command": req.Command})
	}
}

type setTargetVersionRequest struct {
	Version string `json:"version" validate:"required"`
}

func setTargetVersionHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac := mux.Vars(r)["mac"]
		var req setTargetVersionRequest
		if apiErr := decodeAndValidate(r, &req); apiErr != nil {
			apierrors.WriteError(w, apiErr)
			return
		}

		if err := config.Queue.QueueUpdate(r.Context(), mac, req.Version); err != nil {
			writeQueueError(w, err)
			return
		}

		recordAudit(r.Context(), config, r, "device.target_version.set", "device", mac, mac,
			map[string]interface{}{"version": req.Version}, core.AuditInfo)
		writeCreated(w, map[string]interface{}{"mac": mac, "targetVersion": req.Version})
	}
}

type deployRequest struct {
	MAC     string `json:"mac" validate:"required"`
	Version string `json:"version" validate:"required"`
}

// deployHandler is the single-device counterpart of rollout creation: it
// admits one device into the update queue directly (§4.3, §6).
func deployHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deployRequest
		if apiErr := decodeAndValidate(r, &req); apiErr != nil {
			apierrors.WriteError(w, apiErr)
			return
		}

		if err := config.Queue.QueueUpdate(r.Context(), req.MAC, req.Version); err != nil {
			writeQueueError(w, err)
			return
		}

		recordAudit(r.Context(), config, r, "device.deploy", "device", req.MAC, req.MAC,
			map[string]interface{}{"version": req.Version}, core.AuditInfo)
		writeCreated(w, map[string]interface{}{"mac": req.MAC, "targetVersion": req.Version})
	}
}

func resetDeviceHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac := mux.Vars(r)["mac"]
		device, err := config.Repository.UpdateDeviceTx(r.Context(), mac, func(d *core.Device) error {
			d.OTAStatus = core.OTAStatusIdle
			d.TargetVersion = ""
			d.IsAtRisk = false
			d.UpdateStartedAt = zeroTime
			d.ExpectedCheckinBy = zeroTime
			return nil
		})
		if err != nil {
			writeResult(w, nil, err, "device")
			return
		}

		recordAudit(r.Context(), config, r, "device.reset", "device", mac, mac, nil, core.AuditWarning)
		writeOK(w, device)
	}
}

func rollbackDeviceHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac := mux.Vars(r)["mac"]
		device, err := config.Watchdog.ForceRollback(r.Context(), mac)
		if err != nil {
			if errors.Is(err, core.ErrDeviceNotFound) {
				writeResult(w, nil, err, "device")
				return
			}
			apierrors.WriteError(w, apierrors.ConflictError(err.Error()))
			return
		}

		recordAudit(r.Context(), config, r, "device.rollback", "device", mac, mac,
			map[string]interface{}{"version": device.TargetVersion}, core.AuditWarning)
		writeOK(w, device)
	}
}

func clearAtRiskHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac := mux.Vars(r)["mac"]
		device, err := config.Watchdog.ClearAtRiskFlag(r.Context(), mac)
		if err != nil {
			writeResult(w, nil, err, "device")
			return
		}

		recordAudit(r.Context(), config, r, "device.at_risk.clear", "device", mac, mac, nil, core.AuditInfo)
		writeOK(w, device)
	}
}

// writeQueueError maps internal/queue's admission errors to the HTTP
// statuses §4.3 and §7 describe for the deploy/target-version routes.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrAlreadyUpdating):
		apierrors.WriteError(w, apierrors.ConflictError(err.Error()))
	case errors.Is(err, queue.ErrDuplicateRecent):
		apierrors.WriteError(w, apierrors.ConflictError(err.Error()))
	case errors.Is(err, queue.ErrQueueFull):
		apierrors.WriteError(w, apierrors.QueueFullError())
	case errors.Is(err, core.ErrDeviceNotFound):
		apierrors.WriteError(w, apierrors.NotFoundError("device"))
	case errors.Is(err, core.ErrInvalidMAC):
		apierrors.WriteError(w, apierrors.ValidationError(err.Error()))
	default:
		apierrors.WriteError(w, apierrors.InternalError(err.Error()))
	}
}
