// Package ota implements the device-facing OTA protocol handler (C5):
// check/update/report/progress/heartbeat, the device side of the update
// state machine, and the health-score computation (§4.4).
package ota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetota/control-plane/internal/api/middleware"
	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/firmware"
	"github.com/fleetota/control-plane/internal/mac"
	"github.com/fleetota/control-plane/internal/realtime"
)

// checkinWindow is how far out expectedCheckinBy is set once a device is
// told to update (§4.4).
const checkinWindow = 10 * time.Minute

// ErrRateLimited is returned when a device exceeds its per-MAC check rate
// or the global download token bucket (§4.4, §6).
var ErrRateLimited = errors.New("ota: rate limit exceeded")

// WebhookTrigger is the subset of the webhook dispatcher (C10) the protocol
// handler needs to fire lifecycle events without importing it directly.
type WebhookTrigger interface {
	Trigger(ctx context.Context, event string, data map[string]interface{})
}

// Config configures a Handler from internal/config.RateLimitConfig.
type Config struct {
	ChecksPerMinutePerMAC    int
	DownloadsPerMinuteGlobal int
}

// Handler implements the device-facing protocol operations.
type Handler struct {
	repo     core.Repository
	firmware *firmware.Store
	hub      realtime.Hub
	webhooks WebhookTrigger

	checkLimiter    *middleware.RateLimiter
	downloadLimiter *rate.Limiter

	logger  *slog.Logger
	metrics *Metrics
}

// NewHandler creates a Handler.
func NewHandler(cfg Config, repo core.Repository, store *firmware.Store, hub realtime.Hub, webhooks WebhookTrigger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	checksPerMin := cfg.ChecksPerMinutePerMAC
	if checksPerMin <= 0 {
		checksPerMin = 30
	}
	downloadsPerMin := cfg.DownloadsPerMinuteGlobal
	if downloadsPerMin <= 0 {
		downloadsPerMin = 5
	}
	return &Handler{
		repo:            repo,
		firmware:        store,
		hub:             hub,
		webhooks:        webhooks,
		checkLimiter:    middleware.NewRateLimiter(checksPerMin, checksPerMin),
		downloadLimiter: rate.NewLimiter(rate.Limit(float64(downloadsPerMin)/60.0), downloadsPerMin),
		logger:          logger.With("component", "ota_handler"),
		metrics:         NewMetrics("fleetota"),
	}
}

// CheckResult is the response to a /ota/check request (§6).
type CheckResult struct {
	UpdateAvailable bool   `json:"updateAvailable"`
	CurrentVersion  string `json:"currentVersion,omitempty"`
	TargetVersion   string `json:"targetVersion,omitempty"`
	RedirectURL     string `json:"redirectUrl,omitempty"`
	Error           string `json:"error,omitempty"`
}

// resolveTarget decides whether device has an update pending and, if so,
// resolves the firmware record for its target version. It does not mutate
// the device.
func (h *Handler) resolveTarget(ctx context.Context, device *core.Device, reportedVersion string) (noUpdate bool, currentVersion string, fw *core.Firmware, err error) {
	currentVersion = device.CurrentVersion
	if reportedVersion != "" {
		currentVersion = reportedVersion
	}
	targetVersion := device.TargetVersion
	if targetVersion == "" || targetVersion == currentVersion {
		return true, currentVersion, nil, nil
	}
	fw, err = h.firmware.Get(ctx, targetVersion)
	if err != nil {
		if errors.Is(err, core.ErrFirmwareNotFound) {
			return true, currentVersion, nil, nil
		}
		return false, currentVersion, nil, err
	}
	return false, currentVersion, fw, nil
}

func (h *Handler) applyCheck(ctx context.Context, normalizedMAC string, reportedVersion string, noUpdate bool, now time.Time) (*core.Device, error) {
	return h.repo.UpdateDeviceTx(ctx, normalizedMAC, func(d *core.Device) error {
		d.LastOTACheck = now
		d.Status = core.StatusOnline
		if reportedVersion != "" {
			d.CurrentVersion = reportedVersion
		}
		if noUpdate {
			d.OTAStatus = core.OTAStatusUpdated
			return nil
		}
		d.OTAStatus = core.OTAStatusUpdating
		d.UpdateStartedAt = now
		d.ExpectedCheckinBy = now.Add(checkinWindow)
		return nil
	})
}

// Check implements GET /ota/check (§4.4, §6).
func (h *Handler) Check(ctx context.Context, rawMAC, reportedVersion string) (*CheckResult, error) {
	normalizedMAC, err := mac.Normalize(rawMAC)
	if err != nil {
		return nil, err
	}
	if !h.checkLimiter.GetLimiter(normalizedMAC).Allow() {
		return nil, ErrRateLimited
	}

	device, err := h.repo.GetDeviceByMAC(ctx, normalizedMAC)
	if err != nil {
		return nil, err
	}

	noUpdate, currentVersion, fw, err := h.resolveTarget(ctx, device, reportedVersion)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	updated, err := h.applyCheck(ctx, normalizedMAC, reportedVersion, noUpdate, now)
	if err != nil {
		return nil, err
	}

	if noUpdate {
		h.appendLog(ctx, updated, core.LogActionReport, core.LogStatusUpdated, "", currentVersion, "")
		h.publishDeviceUpdate(updated)
		return &CheckResult{UpdateAvailable: false, CurrentVersion: updated.CurrentVersion}, nil
	}

	if fw == nil {
		return &CheckResult{UpdateAvailable: false, CurrentVersion: currentVersion, Error: "target firmware not found"}, nil
	}

	h.appendLog(ctx, updated, core.LogActionCheck, core.LogStatusSuccess, currentVersion, fw.Version, "")
	h.publishDeviceUpdate(updated)
	h.metrics.ChecksTotal.WithLabelValues("update_available").Inc()
	return &CheckResult{
		UpdateAvailable: true,
		CurrentVersion:  currentVersion,
		TargetVersion:   fw.Version,
		RedirectURL:     "/ota/update",
	}, nil
}

// UpdateResult is the outcome of /ota/update: either a stream to serve or
// "no update" (§6).
type UpdateResult struct {
	UpdateAvailable bool
	Version         string
	ContentHash     string
	Size            int64
	Body            io.ReadCloser
}

// Update implements GET /ota/update: re-runs admission like Check, but on
// the update-available branch streams firmware bytes directly (§4.4, §6).
func (h *Handler) Update(ctx context.Context, rawMAC, reportedVersion string) (*UpdateResult, error) {
	normalizedMAC, err := mac.Normalize(rawMAC)
	if err != nil {
		return nil, err
	}
	if !h.checkLimiter.GetLimiter(normalizedMAC).Allow() {
		return nil, ErrRateLimited
	}
	if !h.downloadLimiter.Allow() {
		return nil, ErrRateLimited
	}

	device, err := h.repo.GetDeviceByMAC(ctx, normalizedMAC)
	if err != nil {
		return nil, err
	}

	noUpdate, currentVersion, fw, err := h.resolveTarget(ctx, device, reportedVersion)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	updated, err := h.applyCheck(ctx, normalizedMAC, reportedVersion, noUpdate, now)
	if err != nil {
		return nil, err
	}

	if noUpdate || fw == nil {
		h.publishDeviceUpdate(updated)
		return &UpdateResult{UpdateAvailable: false}, nil
	}

	size, hash, body, err := h.firmware.Stream(ctx, fw.Version)
	if err != nil {
		h.appendLog(ctx, updated, core.LogActionDownload, core.LogStatusFailed, currentVersion, fw.Version, err.Error())
		return nil, err
	}

	h.appendLog(ctx, updated, core.LogActionDownload, core.LogStatusSuccess, currentVersion, fw.Version, "")
	h.publishDeviceUpdate(updated)
	h.metrics.DownloadsTotal.Inc()

	return &UpdateResult{
		UpdateAvailable: true,
		Version:         fw.Version,
		ContentHash:     hash,
		Size:            size,
		Body:            body,
	}, nil
}

// Report implements POST /ota/report (§4.4, §6).
func (h *Handler) Report(ctx context.Context, rawMAC, status, version, message string) error {
	normalizedMAC, err := mac.Normalize(rawMAC)
	if err != nil {
		return err
	}

	existing, err := h.repo.GetDeviceByMAC(ctx, normalizedMAC)
	if err != nil {
		return err
	}
	priorCurrent := existing.CurrentVersion

	success := status == "success" || status == "updated"

	updated, err := h.repo.UpdateDeviceTx(ctx, normalizedMAC, func(d *core.Device) error {
		d.Status = core.StatusOnline
		if success {
			resolved := version
			if resolved == "" {
				resolved = d.TargetVersion
			}
			d.CurrentVersion = resolved
			d.OTAStatus = core.OTAStatusUpdated
			d.UpdateStartedAt = time.Time{}
			d.ExpectedCheckinBy = time.Time{}
			d.IsAtRisk = false
			d.ConsecutiveFailures = 0
		} else {
			d.OTAStatus = core.OTAStatusFailed
			d.ConsecutiveFailures++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if success {
		h.appendLog(ctx, updated, core.LogActionReport, core.LogStatusSuccess, priorCurrent, updated.CurrentVersion, message)
		h.trigger(ctx, "update.success", map[string]interface{}{
			"mac": normalizedMAC, "version": updated.CurrentVersion,
		})
		h.metrics.ReportsTotal.WithLabelValues(status).Inc()
	} else {
		h.appendLog(ctx, updated, core.LogActionReport, core.LogStatusFailed, priorCurrent, version, message)
		h.trigger(ctx, "update.failed", map[string]interface{}{
			"mac": normalizedMAC, "version": version, "message": message,
		})
		h.metrics.ReportsTotal.WithLabelValues(status).Inc()
	}

	h.publishDeviceUpdate(updated)
	return nil
}

// Progress implements POST /ota/progress: broadcasts a transient progress
// event and a synthesized device-log line, with no persistent mutation
// (§4.4, §6).
func (h *Handler) Progress(ctx context.Context, rawMAC string, progress int, bytesReceived, totalBytes int64) error {
	normalizedMAC, err := mac.Normalize(rawMAC)
	if err != nil {
		return err
	}

	h.publish(*realtime.NewDeviceScopedEvent(realtime.EventUpdateProgress, normalizedMAC, map[string]interface{}{
		"mac": normalizedMAC, "progress": progress, "bytesReceived": bytesReceived, "totalBytes": totalBytes,
	}, realtime.SourceOTAHandler))

	h.publish(*realtime.NewDeviceScopedEvent(realtime.EventDeviceLog, normalizedMAC, map[string]interface{}{
		"mac": normalizedMAC, "message": "download progress", "progress": progress,
	}, realtime.SourceOTAHandler))

	return nil
}

// Heartbeat implements POST /ota/heartbeat: persists a telemetry sample,
// recomputes HealthScore, and resets ConsecutiveFailures (§4.4, §6).
func (h *Handler) Heartbeat(ctx context.Context, rawMAC string, rssi *int, freeHeap, uptime *int64, cpuTemp *float64) error {
	normalizedMAC, err := mac.Normalize(rawMAC)
	if err != nil {
		return err
	}

	device, err := h.repo.GetDeviceByMAC(ctx, normalizedMAC)
	if err != nil {
		return err
	}

	if err := h.repo.CreateHeartbeat(ctx, &core.DeviceHeartbeat{
		DeviceID:   device.ID,
		MAC:        normalizedMAC,
		RSSI:       rssi,
		FreeHeap:   freeHeap,
		Uptime:     uptime,
		CPUTemp:    cpuTemp,
		RecordedAt: time.Now(),
	}); err != nil {
		return err
	}

	now := time.Now()
	updated, err := h.repo.UpdateDeviceTx(ctx, normalizedMAC, func(d *core.Device) error {
		d.LastHeartbeat = now
		d.LastSeen = now
		d.Status = core.StatusOnline
		if rssi != nil {
			d.SignalStrength = rssi
		}
		if freeHeap != nil {
			d.FreeHeap = freeHeap
		}
		if uptime != nil {
			d.Uptime = uptime
		}
		d.HealthScore = HealthScore(rssi, freeHeap)
		d.ConsecutiveFailures = 0
		return nil
	})
	if err != nil {
		return err
	}

	h.publishDeviceUpdate(updated)
	h.publish(*realtime.NewDeviceScopedEvent(realtime.EventDeviceLog, normalizedMAC, map[string]interface{}{
		"mac": normalizedMAC, "message": "heartbeat received", "healthScore": updated.HealthScore,
	}, realtime.SourceOTAHandler))

	return nil
}

// HealthScore computes the 0-100 device health score from signal strength
// and free heap (§4.4): starts at 100, RSSI and free-heap penalties stack,
// floored at 0.
func HealthScore(rssi *int, freeHeap *int64) int {
	score := 100
	if rssi != nil {
		switch {
		case *rssi < -80:
			score -= 30
		case *rssi < -70:
			score -= 15
		case *rssi < -60:
			score -= 5
		}
	}
	if freeHeap != nil {
		switch {
		case *freeHeap < 10_000:
			score -= 40
		case *freeHeap < 20_000:
			score -= 20
		case *freeHeap < 30_000:
			score -= 10
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

func (h *Handler) appendLog(ctx context.Context, device *core.Device, action core.LogAction, status core.LogStatus, from, to, message string) {
	if err := h.repo.AppendDeviceLog(ctx, &core.DeviceLog{
		DeviceID:    device.ID,
		MAC:         device.MAC,
		Action:      action,
		Status:      status,
		FromVersion: from,
		ToVersion:   to,
		Message:     message,
		Timestamp:   time.Now(),
	}); err != nil {
		h.logger.Warn("failed to append device log", "mac", device.MAC, "action", action, "error", err)
	}
}

func (h *Handler) trigger(ctx context.Context, event string, data map[string]interface{}) {
	if h.webhooks == nil {
		return
	}
	h.webhooks.Trigger(ctx, event, data)
}

func (h *Handler) publishDeviceUpdate(device *core.Device) {
	h.publish(*realtime.NewDeviceScopedEvent(realtime.EventDeviceUpdate, device.MAC, map[string]interface{}{
		"device": device,
	}, realtime.SourceOTAHandler))
}

func (h *Handler) publish(event realtime.Event) {
	if h.hub == nil {
		return
	}
	h.hub.Publish(event)
}
