// Package queue implements the update queue (C4): single-flight-per-MAC
// admission control, duplicate-deploy suppression, and the bounded worker
// pool that carries a device from "idle" to "pending" (§4.3).
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/lock"
	"github.com/fleetota/control-plane/internal/mac"
)

// Errors returned by QueueUpdate. They are business outcomes, not faults:
// callers map them to HTTP 409/429 rather than 500 (§7).
var (
	// ErrAlreadyUpdating is returned when the MAC already has an in-flight task.
	ErrAlreadyUpdating = errors.New("device already has an update in flight")

	// ErrDuplicateRecent is returned when the same version was deployed to this
	// MAC within the last duplicateWindow.
	ErrDuplicateRecent = errors.New("duplicate deploy suppressed: same version deployed recently")

	// ErrQueueFull is returned when the worker pool's backlog is saturated.
	ErrQueueFull = errors.New("update queue is full")

	// ErrInternalTransactionFailure wraps an unexpected repository error during
	// the transactional task body.
	ErrInternalTransactionFailure = errors.New("update queue transaction failed")
)

const duplicateWindow = 5 * time.Minute
const historyRetention = time.Hour

type recentDeploy struct {
	version string
	at      time.Time
}

// Config configures a Queue from internal/config.AppConfig / RateLimitConfig.
type Config struct {
	MaxWorkers int
	Backlog    int
}

// Queue admits deploy requests, enforces single-flight-per-MAC and
// duplicate-recent suppression, and runs the transactional task body on a
// bounded worker pool.
type Queue struct {
	repo   core.Repository
	locker lock.Locker
	logger *slog.Logger
	metrics *Metrics

	jobs chan task

	mu      sync.Mutex
	active  map[string]time.Time
	history map[string]recentDeploy

	wg sync.WaitGroup
}

type task struct {
	mac     string
	version string
	held    lock.Lock
}

// NewQueue creates a Queue. locker gates cross-replica single-flight
// admission (in-process by default, Redis-backed when configured, §4.3/§9).
func NewQueue(cfg Config, repo core.Repository, locker lock.Locker, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 5
	}
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = 256
	}
	return &Queue{
		repo:    repo,
		locker:  locker,
		logger:  logger.With("component", "update_queue"),
		metrics: NewMetrics("fleetota"),
		jobs:    make(chan task, backlog),
		active:  make(map[string]time.Time),
		history: make(map[string]recentDeploy),
	}
}

// Start launches the fixed-size worker pool. Workers run until ctx is
// cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 5
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Stop closes the job channel and waits for in-flight tasks to drain.
func (q *Queue) Stop() {
	close(q.jobs)
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for t := range q.jobs {
		q.process(ctx, t)
	}
}

// QueueUpdate admits a deploy of version to mac: it rejects an in-flight
// update (ErrAlreadyUpdating) and a repeat of the same version within the
// duplicate window (ErrDuplicateRecent), then enqueues the task and returns
// immediately — the transactional body runs asynchronously (§4.3).
func (q *Queue) QueueUpdate(ctx context.Context, rawMAC, version string) error {
	normalized, err := mac.Normalize(rawMAC)
	if err != nil {
		return err
	}

	if _, err := q.repo.GetDeviceByMAC(ctx, normalized); err != nil {
		return err
	}

	lockKey := "update:" + normalized
	held, acquired, err := q.locker.Acquire(ctx, lockKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternalTransactionFailure, err)
	}
	if !acquired {
		return ErrAlreadyUpdating
	}

	q.mu.Lock()
	q.pruneHistoryLocked()
	if rec, ok := q.history[normalized]; ok && rec.version == version && time.Since(rec.at) < duplicateWindow {
		q.mu.Unlock()
		held.Release(ctx)
		return ErrDuplicateRecent
	}
	q.active[normalized] = time.Now()
	q.mu.Unlock()

	select {
	case q.jobs <- task{mac: normalized, version: version, held: held}:
		q.metrics.Enqueued.Inc()
		return nil
	default:
		q.mu.Lock()
		delete(q.active, normalized)
		q.mu.Unlock()
		held.Release(ctx)
		q.metrics.Rejected.Inc()
		return ErrQueueFull
	}
}

// pruneHistoryLocked drops history entries older than historyRetention.
// Caller must hold q.mu.
func (q *Queue) pruneHistoryLocked() {
	cutoff := time.Now().Add(-historyRetention)
	for mac, rec := range q.history {
		if rec.at.Before(cutoff) {
			delete(q.history, mac)
		}
	}
}

func (q *Queue) process(ctx context.Context, t task) {
	defer func() {
		q.mu.Lock()
		delete(q.active, t.mac)
		q.history[t.mac] = recentDeploy{version: t.version, at: time.Now()}
		q.mu.Unlock()
		if t.held != nil {
			if err := t.held.Release(ctx); err != nil {
				q.logger.Warn("failed to release update lock", "mac", t.mac, "error", err)
			}
		}
	}()

	device, err := q.repo.GetDeviceByMAC(ctx, t.mac)
	if err != nil {
		q.logger.Error("update task: device vanished before processing", "mac", t.mac, "error", err)
		return
	}
	prior := device.TakeSnapshot()

	_, err = q.repo.UpdateDeviceTx(ctx, t.mac, func(d *core.Device) error {
		d.PreviousVersion = d.CurrentVersion
		d.TargetVersion = t.version
		d.OTAStatus = core.OTAStatusPending
		return nil
	})
	if err != nil {
		q.rollback(ctx, t, prior, err)
		return
	}

	if logErr := q.repo.AppendDeviceLog(ctx, &core.DeviceLog{
		DeviceID:    device.ID,
		MAC:         t.mac,
		Action:      core.LogActionDeploy,
		Status:      core.LogStatusPending,
		FromVersion: prior.CurrentVersion,
		ToVersion:   t.version,
		Timestamp:   time.Now(),
	}); logErr != nil {
		q.rollback(ctx, t, prior, logErr)
		return
	}

	q.metrics.Processed.Inc()
	q.logger.Info("update queued for delivery", "mac", t.mac, "version", t.version)
}

func (q *Queue) rollback(ctx context.Context, t task, prior core.Snapshot, cause error) {
	q.metrics.Failed.Inc()
	_, restoreErr := q.repo.UpdateDeviceTx(ctx, t.mac, func(d *core.Device) error {
		d.Restore(prior)
		d.OTAStatus = core.OTAStatusFailed
		return nil
	})
	if restoreErr != nil {
		q.logger.Error("update task rollback failed", "mac", t.mac, "error", restoreErr, "cause", cause)
		return
	}

	if device, err := q.repo.GetDeviceByMAC(ctx, t.mac); err == nil {
		_ = q.repo.AppendDeviceLog(ctx, &core.DeviceLog{
			DeviceID:  device.ID,
			MAC:       t.mac,
			Action:    core.LogActionDeploy,
			Status:    core.LogStatusFailed,
			ToVersion: t.version,
			Message:   cause.Error(),
			Timestamp: time.Now(),
		})
	}
	q.logger.Warn("update task rolled back", "mac", t.mac, "version", t.version, "cause", cause)
}

// IsDeviceUpdating reports whether mac currently has an in-flight task.
func (q *Queue) IsDeviceUpdating(mac string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, busy := q.active[mac]
	return busy
}

// Status is the query surface for operator dashboards (§4.3).
type Status struct {
	QueueSize  int      `json:"queueSize"`
	Running    int      `json:"running"`
	ActiveMACs []string `json:"activeMacs"`
}

// Status returns a snapshot of queue depth and in-flight MACs.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	macs := make([]string, 0, len(q.active))
	for m := range q.active {
		macs = append(macs, m)
	}
	return Status{
		QueueSize:  len(q.jobs),
		Running:    len(q.active),
		ActiveMACs: macs,
	}
}
