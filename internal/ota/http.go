package ota

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apierrors "github.com/fleetota/control-plane/internal/api/errors"
	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/firmware"
)

// RegisterRoutes mounts the device-facing protocol routes under router
// (§6): /ota/check, /ota/update, /ota/report, /ota/progress,
// /ota/heartbeat, and /firmware/:filename.
func RegisterRoutes(router *mux.Router, h *Handler, store *firmware.Store) {
	router.HandleFunc("/ota/check", h.checkHandler).Methods(http.MethodGet)
	router.HandleFunc("/ota/update", h.updateHandler).Methods(http.MethodGet)
	router.HandleFunc("/ota/report", h.reportHandler).Methods(http.MethodPost)
	router.HandleFunc("/ota/progress", h.progressHandler).Methods(http.MethodPost)
	router.HandleFunc("/ota/heartbeat", h.heartbeatHandler).Methods(http.MethodPost)
	router.HandleFunc("/firmware/{filename}", firmwareFileHandler(store)).Methods(http.MethodGet)
}

func (h *Handler) checkHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := q.Get("deviceId")
	if deviceID == "" {
		deviceID = q.Get("mac")
	}
	result, err := h.Check(r.Context(), deviceID, q.Get("version"))
	if writeOTAError(w, err) {
		return
	}
	if result.UpdateAvailable {
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) updateHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := q.Get("deviceId")
	if deviceID == "" {
		deviceID = q.Get("mac")
	}
	result, err := h.Update(r.Context(), deviceID, q.Get("version"))
	if writeOTAError(w, err) {
		return
	}
	if !result.UpdateAvailable {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	defer result.Body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Firmware-Version", result.Version)
	w.Header().Set("X-Checksum", result.ContentHash)
	w.Header().Set("Content-Length", strconv.FormatInt(result.Size, 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, result.Body)
}

type reportRequest struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (h *Handler) reportHandler(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Report(r.Context(), req.DeviceID, req.Status, req.Version, req.Message); writeOTAError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type progressRequest struct {
	DeviceID      string `json:"deviceId"`
	Progress      int    `json:"progress"`
	BytesReceived int64  `json:"bytesReceived,omitempty"`
	TotalBytes    int64  `json:"totalBytes,omitempty"`
}

func (h *Handler) progressHandler(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Progress(r.Context(), req.DeviceID, req.Progress, req.BytesReceived, req.TotalBytes); writeOTAError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type heartbeatRequest struct {
	MAC            string   `json:"mac"`
	SignalStrength *int     `json:"signalStrength,omitempty"`
	FreeHeap       *int64   `json:"freeHeap,omitempty"`
	Uptime         *int64   `json:"uptime,omitempty"`
	CPUTemp        *float64 `json:"cpuTemp,omitempty"`
}

func (h *Handler) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Heartbeat(r.Context(), req.MAC, req.SignalStrength, req.FreeHeap, req.Uptime, req.CPUTemp); writeOTAError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// firmwareFileHandler serves GET /firmware/:filename directly off the
// store, guarded against directory traversal by Store.StreamByFilename
// (§6, property 11).
func firmwareFileHandler(store *firmware.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := mux.Vars(r)["filename"]
		body, err := store.StreamByFilename(filename)
		if err != nil {
			if errors.Is(err, firmware.ErrPathEscape) {
				apierrors.WriteError(w, apierrors.ValidationError("invalid firmware path"))
				return
			}
			apierrors.WriteError(w, apierrors.NotFoundError("firmware file"))
			return
		}
		defer body.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		io.Copy(w, body)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		apierrors.WriteError(w, apierrors.ValidationError(fmt.Sprintf("invalid request body: %v", err)))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeOTAError maps a device-protocol error to its HTTP response and
// reports whether it wrote one (so callers can early-return).
func writeOTAError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, core.ErrDeviceNotFound):
		apierrors.WriteError(w, apierrors.NotFoundError("device"))
	case errors.Is(err, core.ErrInvalidMAC):
		apierrors.WriteError(w, apierrors.ValidationError(err.Error()))
	case errors.Is(err, ErrRateLimited):
		apierrors.WriteError(w, apierrors.RateLimitError())
	default:
		apierrors.WriteError(w, apierrors.InternalError(err.Error()))
	}
	return true
}
