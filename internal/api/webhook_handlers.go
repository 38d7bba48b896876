package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	apierrors "github.com/fleetota/control-plane/internal/api/errors"
	"github.com/fleetota/control-plane/internal/core"
)

type createWebhookRequest struct {
	Name   string   `json:"name" validate:"required,min=1,max=128"`
	URL    string   `json:"url" validate:"required,url"`
	Secret string   `json:"secret"`
	Events []string `json:"events" validate:"required,min=1"`
	Active bool     `json:"active"`
}

func createWebhookHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createWebhookRequest
		if apiErr := decodeAndValidate(r, &req); apiErr != nil {
			apierrors.WriteError(w, apiErr)
			return
		}

		wh := &core.Webhook{
			Name:   req.Name,
			URL:    req.URL,
			Secret: req.Secret,
			Events: req.Events,
			Active: req.Active,
		}
		if err := config.Repository.CreateWebhook(r.Context(), wh); err != nil {
			apierrors.WriteError(w, apierrors.InternalError(err.Error()))
			return
		}

		recordAudit(r.Context(), config, r, "webhook.create", "webhook", wh.ID, wh.Name,
			map[string]interface{}{"url": wh.URL, "events": wh.Events}, core.AuditInfo)
		writeCreated(w, wh)
	}
}

type updateWebhookRequest struct {
	Name   string   `json:"name" validate:"required,min=1,max=128"`
	URL    string   `json:"url" validate:"required,url"`
	Secret string   `json:"secret"`
	Events []string `json:"events" validate:"required,min=1"`
	Active bool     `json:"active"`
}

func updateWebhookHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var req updateWebhookRequest
		if apiErr := decodeAndValidate(r, &req); apiErr != nil {
			apierrors.WriteError(w, apiErr)
			return
		}

		existing, err := config.Repository.GetWebhook(r.Context(), id)
		if err != nil {
			writeResult(w, nil, err, "webhook")
			return
		}

		existing.Name = req.Name
		existing.URL = req.URL
		existing.Secret = req.Secret
		existing.Events = req.Events
		existing.Active = req.Active
		if err := config.Repository.UpdateWebhook(r.Context(), existing); err != nil {
			apierrors.WriteError(w, apierrors.InternalError(err.Error()))
			return
		}

		recordAudit(r.Context(), config, r, "webhook.update", "webhook", id, existing.Name,
			map[string]interface{}{"url": existing.URL, "events": existing.Events}, core.AuditInfo)
		writeOK(w, existing)
	}
}

func deleteWebhookHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := config.Repository.DeleteWebhook(r.Context(), id); err != nil {
			writeResult(w, nil, err, "webhook")
			return
		}

		recordAudit(r.Context(), config, r, "webhook.delete", "webhook", id, "", nil, core.AuditWarning)
		writeNoContent(w)
	}
}

func testWebhookHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := config.Webhooks.Test(r.Context(), id); err != nil {
			if errors.Is(err, core.ErrWebhookNotFound) {
				writeResult(w, nil, err, "webhook")
				return
			}
			apierrors.WriteError(w, apierrors.WebhookDeliveryError(err.Error()))
			return
		}

		recordAudit(r.Context(), config, r, "webhook.test", "webhook", id, "", nil, core.AuditInfo)
		writeOK(w, map[string]interface{}{"triggered": true})
	}
}
