// Package rollout implements the staged rollout controller (C6):
// percentage-phased firmware rollouts across the fleet, advanced manually
// or by an optional auto-expand tick (§4.5).
package rollout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/queue"
	"github.com/fleetota/control-plane/internal/realtime"
)

// DefaultStagePercentages is used when Create is called with no explicit
// stage list (§4.5).
var DefaultStagePercentages = []int{5, 25, 50, 100}

// ErrFinalStage is returned by Advance when the rollout has no further
// stage to expand into.
var ErrFinalStage = errors.New("rollout is already at its final stage")

// ErrNotActive is returned by Advance when the rollout isn't active.
var ErrNotActive = errors.New("rollout is not active")

// Config configures a Controller from internal/config.RolloutConfig.
type Config struct {
	AutoExpandEnabled  bool
	AutoExpandInterval time.Duration
}

// Controller manages staged rollout lifecycle and enqueues each stage's
// newly-included devices onto the update queue.
type Controller struct {
	repo  core.Repository
	queue *queue.Queue
	hub   realtime.Hub

	autoExpandEnabled  bool
	autoExpandInterval time.Duration

	logger  *slog.Logger
	metrics *Metrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewController creates a Controller.
func NewController(cfg Config, repo core.Repository, q *queue.Queue, hub realtime.Hub, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.AutoExpandInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Controller{
		repo:               repo,
		queue:              q,
		hub:                hub,
		autoExpandEnabled:  cfg.AutoExpandEnabled,
		autoExpandInterval: interval,
		logger:             logger.With("component", "rollout_controller"),
		metrics:            NewMetrics("fleetota"),
		stopCh:             make(chan struct{}),
	}
}

// Start launches the optional auto-expand tick loop (§9's resolution of the
// auto-expand Open Question: an opt-in background goroutine gated by
// Config.Rollout.AutoExpandEnabled).
func (c *Controller) Start(ctx context.Context) {
	if !c.autoExpandEnabled {
		return
	}
	c.wg.Add(1)
	go c.autoExpandLoop(ctx)
}

// Stop ends the auto-expand loop and waits for it to exit.
func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Controller) autoExpandLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.autoExpandInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.tickAutoExpand(ctx)
		}
	}
}

func (c *Controller) tickAutoExpand(ctx context.Context) {
	rollouts, err := c.repo.ListRollouts(ctx)
	if err != nil {
		c.logger.Error("auto-expand: failed to list rollouts", "error", err)
		return
	}
	now := time.Now()
	for _, r := range rollouts {
		if !r.AutoExpand || r.Status != core.RolloutActive {
			continue
		}
		if now.Sub(r.LastExpanded) < time.Duration(r.ExpandAfterMinutes)*time.Minute {
			continue
		}

		failureRatio := 0.0
		if r.UpdatedDevices > 0 {
			failureRatio = float64(r.FailedDevices) / float64(r.UpdatedDevices)
		}
		if r.UpdatedDevices > 0 && failureRatio >= float64(r.FailureThreshold)/100 {
			if _, err := c.Pause(ctx, r.ID); err != nil {
				c.logger.Error("auto-expand: pause failed", "rollout_id", r.ID, "error", err)
			}
			continue
		}

		if _, err := c.Advance(ctx, r.ID); err != nil && !errors.Is(err, ErrFinalStage) {
			c.logger.Error("auto-expand: advance failed", "rollout_id", r.ID, "error", err)
		}
	}
}

// stageCut computes ceil(total*pct/100), floored at 1 when pct and total
// are both positive, and capped at total (§4.5).
func stageCut(total, pct int) int {
	if total <= 0 || pct <= 0 {
		return 0
	}
	cut := (total*pct + 99) / 100
	if cut < 1 {
		cut = 1
	}
	if cut > total {
		cut = total
	}
	return cut
}

// Create starts a new staged rollout: it snapshots the current device
// count, computes the stage-1 cut, and enqueues those devices (§4.5).
func (c *Controller) Create(ctx context.Context, version string, stagePercentages []int, autoExpand bool, expandAfterMinutes, failureThreshold int) (*core.StagedRollout, error) {
	if len(stagePercentages) == 0 {
		stagePercentages = DefaultStagePercentages
	}

	total, err := c.repo.CountDevices(ctx)
	if err != nil {
		return nil, err
	}

	devices, err := c.repo.ListDevices(ctx, core.DeviceFilter{})
	if err != nil {
		return nil, err
	}

	rollout := &core.StagedRollout{
		Version:            version,
		CurrentStage:       1,
		StagePercentages:   stagePercentages,
		Status:             core.RolloutActive,
		TotalDevices:        total,
		AutoExpand:         autoExpand,
		ExpandAfterMinutes: expandAfterMinutes,
		FailureThreshold:   failureThreshold,
		LastExpanded:       time.Now(),
		CreatedAt:          time.Now(),
	}

	cut := stageCut(total, stagePercentages[0])
	c.enqueueRange(ctx, devices, 0, cut, version)

	if err := c.repo.CreateRollout(ctx, rollout); err != nil {
		return nil, err
	}

	c.metrics.Created.Inc()
	c.publish(rollout)
	return rollout, nil
}

// Advance expands the rollout onto its next stage, enqueuing only the
// devices newly covered by the wider percentage (§4.5).
func (c *Controller) Advance(ctx context.Context, id string) (*core.StagedRollout, error) {
	r, err := c.repo.GetRollout(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != core.RolloutActive {
		return nil, ErrNotActive
	}
	if r.CurrentStage >= len(r.StagePercentages) {
		return nil, ErrFinalStage
	}

	devices, err := c.repo.ListDevices(ctx, core.DeviceFilter{})
	if err != nil {
		return nil, err
	}

	nextStage := r.CurrentStage + 1
	prevCut := stageCut(r.TotalDevices, r.StagePercentages[r.CurrentStage-1])
	newCut := stageCut(r.TotalDevices, r.StagePercentages[nextStage-1])
	c.enqueueRange(ctx, devices, prevCut, newCut, r.Version)

	r.CurrentStage = nextStage
	r.LastExpanded = time.Now()
	if nextStage == len(r.StagePercentages) {
		r.Status = core.RolloutCompleting
	}

	if err := c.repo.UpdateRollout(ctx, r); err != nil {
		return nil, err
	}

	c.metrics.Advanced.Inc()
	c.publish(r)
	return r, nil
}

// Pause suspends a rollout; auto-expand skips paused rollouts.
func (c *Controller) Pause(ctx context.Context, id string) (*core.StagedRollout, error) {
	return c.setStatus(ctx, id, core.RolloutPaused)
}

// Resume reactivates a paused rollout.
func (c *Controller) Resume(ctx context.Context, id string) (*core.StagedRollout, error) {
	return c.setStatus(ctx, id, core.RolloutActive)
}

func (c *Controller) setStatus(ctx context.Context, id string, status core.RolloutStatus) (*core.StagedRollout, error) {
	r, err := c.repo.GetRollout(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Status = status
	if err := c.repo.UpdateRollout(ctx, r); err != nil {
		return nil, err
	}
	c.publish(r)
	return r, nil
}

// Cancel deletes the rollout record outright; in-flight device tasks already
// enqueued are not aborted (§4.5).
func (c *Controller) Cancel(ctx context.Context, id string) error {
	return c.repo.DeleteRollout(ctx, id)
}

func (c *Controller) enqueueRange(ctx context.Context, devices []*core.Device, from, to int, version string) {
	if from < 0 {
		from = 0
	}
	if to > len(devices) {
		to = len(devices)
	}
	for _, d := range devices[from:to] {
		if err := c.queue.QueueUpdate(ctx, d.MAC, version); err != nil {
			c.logger.Warn("rollout: failed to enqueue device", "mac", d.MAC, "error", err)
		}
	}
}

func (c *Controller) publish(r *core.StagedRollout) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(*realtime.NewEvent(realtime.EventDevicesList, map[string]interface{}{
		"rollout": r,
	}, realtime.SourceRollout))
}
