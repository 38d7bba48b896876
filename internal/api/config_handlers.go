package api

import (
	"net/http"

	"github.com/gorilla/mux"

	apierrors "github.com/fleetota/control-plane/internal/api/errors"
	"github.com/fleetota/control-plane/internal/core"
)

type createConfigRequest struct {
	Name       string `json:"name" validate:"required,min=1,max=128"`
	ConfigData string `json:"configData" validate:"required"`
}

func createConfigHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createConfigRequest
		if apiErr := decodeAndValidate(r, &req); apiErr != nil {
			apierrors.WriteError(w, apiErr)
			return
		}

		cfg := &core.DeviceConfig{Name: req.Name, ConfigData: req.ConfigData, Version: 1}
		if err := config.Repository.CreateConfig(r.Context(), cfg); err != nil {
			apierrors.WriteError(w, apierrors.InternalError(err.Error()))
			return
		}

		recordAudit(r.Context(), config, r, "config.create", "config", cfg.ID, cfg.Name, nil, core.AuditInfo)
		writeCreated(w, cfg)
	}
}

type updateConfigRequest struct {
	ConfigData string `json:"configData" validate:"required"`
}

func updateConfigHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var req updateConfigRequest
		if apiErr := decodeAndValidate(r, &req); apiErr != nil {
			apierrors.WriteError(w, apiErr)
			return
		}

		cfg, err := config.Repository.UpdateConfig(r.Context(), id, req.ConfigData)
		if err != nil {
			writeResult(w, nil, err, "device config")
			return
		}

		recordAudit(r.Context(), config, r, "config.update", "config", id, cfg.Name,
			map[string]interface{}{"version": cfg.Version}, core.AuditInfo)
		writeOK(w, cfg)
	}
}

func assignConfigHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id, mac := vars["id"], vars["mac"]

		cfg, err := config.Repository.GetConfig(r.Context(), id)
		if err != nil {
			writeResult(w, nil, err, "device config")
			return
		}

		if err := config.Commands.AssignConfig(r.Context(), mac, cfg.ID, cfg.Version); err != nil {
			writeResult(w, nil, err, "device")
			return
		}

		recordAudit(r.Context(), config, r, "config.assign", "device", mac, mac,
			map[string]interface{}{"configId": cfg.ID, "configVersion": cfg.Version}, core.AuditInfo)
		writeCreated(w, map[string]interface{}{"mac": mac, "configId": cfg.ID, "configVersion": cfg.Version})
	}
}
