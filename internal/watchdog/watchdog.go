// Package watchdog implements the at-risk device watchdog (C7): a single
// cooperative tick loop that flags devices stuck mid-update, clears the
// flag once they recover, and offers the operator-initiated clear/rollback
// escape hatches (§4.6).
package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/mac"
	"github.com/fleetota/control-plane/internal/realtime"
)

// errNoChange is an internal sentinel the tick mutator returns to abort a
// device's UpdateDeviceTx with no write when none of the three branches
// apply (§4.6).
var errNoChange = errors.New("watchdog: no state change")

// ErrNoRollbackAvailable is returned by ForceRollback when the device has no
// distinct previous version to roll back to.
var ErrNoRollbackAvailable = errors.New("watchdog: no previous version available to roll back to")

const fallbackTimeout = 15 * time.Minute

// WebhookTrigger is the subset of the webhook dispatcher (C10) the watchdog
// needs to fire device.at_risk events without importing it directly.
type WebhookTrigger interface {
	Trigger(ctx context.Context, event string, data map[string]interface{})
}

// Config configures a Watchdog from internal/config.WatchdogConfig.
type Config struct {
	TickInterval     time.Duration
	CheckinGraceMult float64
}

// Watchdog runs the periodic at-risk scan.
type Watchdog struct {
	repo     core.Repository
	hub      realtime.Hub
	webhooks WebhookTrigger

	tickInterval time.Duration
	graceMult    float64

	logger  *slog.Logger
	metrics *Metrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatchdog creates a Watchdog.
func NewWatchdog(cfg Config, repo core.Repository, hub realtime.Hub, webhooks WebhookTrigger, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	grace := cfg.CheckinGraceMult
	if grace <= 0 {
		grace = 1.5
	}
	return &Watchdog{
		repo:         repo,
		hub:          hub,
		webhooks:     webhooks,
		tickInterval: interval,
		graceMult:    grace,
		logger:       logger.With("component", "watchdog"),
		metrics:      NewMetrics("fleetota"),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the tick loop.
func (wd *Watchdog) Start(ctx context.Context) {
	wd.wg.Add(1)
	go wd.loop(ctx)
}

// Stop ends the tick loop and waits for it to exit.
func (wd *Watchdog) Stop() {
	close(wd.stopCh)
	wd.wg.Wait()
}

func (wd *Watchdog) loop(ctx context.Context) {
	defer wd.wg.Done()
	ticker := time.NewTicker(wd.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wd.stopCh:
			return
		case <-ticker.C:
			wd.Tick(ctx)
		}
	}
}

// Tick scans every device once, applying the three-branch at-risk state
// machine (§4.6), and broadcasts a refreshed device list plus an at-risk
// alert if any device newly became at-risk.
func (wd *Watchdog) Tick(ctx context.Context) {
	devices, err := wd.repo.ListDevices(ctx, core.DeviceFilter{})
	if err != nil {
		wd.logger.Error("watchdog tick: failed to list devices", "error", err)
		return
	}

	now := time.Now()
	var anyAtRisk bool
	for _, d := range devices {
		becameAtRisk, err := wd.evaluate(ctx, d.MAC, now)
		if err != nil {
			wd.logger.Error("watchdog tick: evaluate failed", "mac", d.MAC, "error", err)
			continue
		}
		if becameAtRisk {
			anyAtRisk = true
			wd.metrics.AtRiskTotal.Inc()
			wd.logger.Warn("device flagged at-risk", "mac", d.MAC)
			wd.trigger(ctx, "device.at_risk", map[string]interface{}{"mac": d.MAC})
		}
	}

	if anyAtRisk {
		wd.publish(realtime.NewEvent(realtime.EventDevicesList, nil, realtime.SourceWatchdog))
		wd.publish(realtime.NewEvent(realtime.EventAtRiskAlert, nil, realtime.SourceWatchdog))
	}
}

func (wd *Watchdog) evaluate(ctx context.Context, mac string, now time.Time) (bool, error) {
	var becameAtRisk bool
	fallback := time.Duration(float64(fallbackTimeout) * wd.graceMult)

	_, err := wd.repo.UpdateDeviceTx(ctx, mac, func(d *core.Device) error {
		switch {
		case d.OTAStatus == core.OTAStatusUpdating && !d.IsAtRisk && !d.ExpectedCheckinBy.IsZero() && d.ExpectedCheckinBy.Before(now):
			d.IsAtRisk = true
			becameAtRisk = true
		case d.OTAStatus == core.OTAStatusUpdating && !d.IsAtRisk && !d.UpdateStartedAt.IsZero() && now.Sub(d.UpdateStartedAt) > fallback:
			d.IsAtRisk = true
			becameAtRisk = true
		case d.IsAtRisk && d.Online(now) && d.OTAStatus != core.OTAStatusUpdating:
			d.IsAtRisk = false
			d.UpdateStartedAt = time.Time{}
			d.ExpectedCheckinBy = time.Time{}
		default:
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return becameAtRisk, nil
}

// ClearAtRiskFlag unconditionally clears a device's at-risk flag (operator
// escape hatch, §4.6).
func (wd *Watchdog) ClearAtRiskFlag(ctx context.Context, rawMAC string) (*core.Device, error) {
	normalized, err := mac.Normalize(rawMAC)
	if err != nil {
		return nil, err
	}
	updated, err := wd.repo.UpdateDeviceTx(ctx, normalized, func(d *core.Device) error {
		d.IsAtRisk = false
		d.UpdateStartedAt = time.Time{}
		d.ExpectedCheckinBy = time.Time{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	wd.publish(realtime.NewDeviceScopedEvent(realtime.EventDeviceUpdate, normalized, map[string]interface{}{"device": updated}, realtime.SourceWatchdog))
	return updated, nil
}

// ForceRollback retargets a device back to its previous version (operator
// escape hatch, §4.6). It requires the device actually have a distinct
// previous version.
func (wd *Watchdog) ForceRollback(ctx context.Context, rawMAC string) (*core.Device, error) {
	normalized, err := mac.Normalize(rawMAC)
	if err != nil {
		return nil, err
	}

	device, err := wd.repo.GetDeviceByMAC(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if device.PreviousVersion == "" || device.PreviousVersion == device.CurrentVersion {
		return nil, ErrNoRollbackAvailable
	}

	updated, err := wd.repo.UpdateDeviceTx(ctx, normalized, func(d *core.Device) error {
		d.TargetVersion = d.PreviousVersion
		d.OTAStatus = core.OTAStatusPending
		d.IsAtRisk = false
		d.UpdateStartedAt = time.Time{}
		d.ExpectedCheckinBy = time.Time{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if logErr := wd.repo.AppendDeviceLog(ctx, &core.DeviceLog{
		DeviceID:    updated.ID,
		MAC:         normalized,
		Action:      core.LogActionRollback,
		Status:      core.LogStatusPending,
		FromVersion: device.CurrentVersion,
		ToVersion:   device.PreviousVersion,
		Timestamp:   time.Now(),
	}); logErr != nil {
		wd.logger.Warn("failed to append rollback log", "mac", normalized, "error", logErr)
	}

	wd.publish(realtime.NewDeviceScopedEvent(realtime.EventDeviceUpdate, normalized, map[string]interface{}{"device": updated}, realtime.SourceWatchdog))
	return updated, nil
}

func (wd *Watchdog) trigger(ctx context.Context, event string, data map[string]interface{}) {
	if wd.webhooks == nil {
		return
	}
	wd.webhooks.Trigger(ctx, event, data)
}

func (wd *Watchdog) publish(event *realtime.Event) {
	if wd.hub == nil {
		return
	}
	wd.hub.Publish(*event)
}
