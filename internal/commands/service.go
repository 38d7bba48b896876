// Package commands implements the command and config delivery pipe (C9):
// queuing remote commands for pull-based pickup, acknowledging their
// outcome, and assigning/acking device configuration pushes (§4.8).
package commands

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/mac"
	"github.com/fleetota/control-plane/internal/realtime"
)

// ErrInvalidAckStatus is returned when Acknowledge is given a status
// other than "acknowledged" or "failed".
var ErrInvalidAckStatus = errors.New("commands: invalid acknowledgement status")

// Service implements realtime.CommandEnqueuer so the fan-out hub's
// "send-command" inbound message can reach it directly.
type Service struct {
	repo    core.Repository
	hub     realtime.Hub
	logger  *slog.Logger
	metrics *Metrics
}

// NewService creates a Service. hub may be nil if the realtime fan-out hub
// isn't constructed yet (the hub's own constructor takes a Service as its
// CommandEnqueuer, so callers wire it up after the fact with SetHub).
func NewService(repo core.Repository, hub realtime.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		hub:     hub,
		logger:  logger.With("component", "command_pipe"),
		metrics: NewMetrics("fleetota"),
	}
}

// SetHub attaches the realtime fan-out hub once it's constructed, so
// Acknowledge can publish EventCommandAck. Safe to call once during startup
// before the service handles any requests.
func (s *Service) SetHub(hub realtime.Hub) {
	s.hub = hub
}

// EnqueueCommand queues command for rawMAC with TTL core.DefaultCommandTTL
// (§4.8). It satisfies realtime.CommandEnqueuer.
func (s *Service) EnqueueCommand(ctx context.Context, rawMAC, command, payload string) error {
	normalized, err := mac.Normalize(rawMAC)
	if err != nil {
		return err
	}
	if _, err := s.repo.GetDeviceByMAC(ctx, normalized); err != nil {
		return err
	}

	now := time.Now()
	if err := s.repo.EnqueueCommand(ctx, &core.DeviceCommand{
		MAC:       normalized,
		Command:   command,
		Payload:   payload,
		Status:    core.CommandPending,
		CreatedAt: now,
		ExpiresAt: now.Add(core.DefaultCommandTTL),
	}); err != nil {
		return err
	}
	s.metrics.Enqueued.Inc()
	return nil
}

// DrainPending returns every pending command for rawMAC, transitioning
// unexpired ones to "sent" and expired ones to "expired" (excluded from the
// return value), per §4.8.
func (s *Service) DrainPending(ctx context.Context, rawMAC string) ([]*core.DeviceCommand, error) {
	normalized, err := mac.Normalize(rawMAC)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	pending, err := s.repo.ListPendingCommands(ctx, normalized, now)
	if err != nil {
		return nil, err
	}

	var deliverable []*core.DeviceCommand
	var sentIDs, expiredIDs []string
	for _, c := range pending {
		if c.ExpiresAt.Before(now) {
			expiredIDs = append(expiredIDs, c.ID)
			continue
		}
		sentIDs = append(sentIDs, c.ID)
		c.Status = core.CommandSent
		c.SentAt = now
		deliverable = append(deliverable, c)
	}

	if len(expiredIDs) > 0 {
		if err := s.repo.ExpireCommands(ctx, expiredIDs); err != nil {
			return nil, err
		}
		s.metrics.Expired.Add(float64(len(expiredIDs)))
	}
	if len(sentIDs) > 0 {
		if err := s.repo.MarkCommandsSent(ctx, sentIDs, now); err != nil {
			return nil, err
		}
		s.metrics.Sent.Add(float64(len(sentIDs)))
	}

	return deliverable, nil
}

// Acknowledge records a device's response to a delivered command and
// broadcasts a command-ack event (§4.8).
func (s *Service) Acknowledge(ctx context.Context, id, status, response string) error {
	var commandStatus core.CommandStatus
	switch status {
	case "acknowledged":
		commandStatus = core.CommandAcknowledged
	case "failed":
		commandStatus = core.CommandFailed
	default:
		return ErrInvalidAckStatus
	}

	now := time.Now()
	if err := s.repo.AcknowledgeCommand(ctx, id, commandStatus, response, now); err != nil {
		return err
	}

	cmd, err := s.repo.GetCommand(ctx, id)
	if err != nil {
		return err
	}

	if s.hub != nil {
		s.hub.Publish(*realtime.NewDeviceScopedEvent(realtime.EventCommandAck, cmd.MAC, map[string]interface{}{
			"commandId": cmd.ID, "status": string(cmd.Status), "response": cmd.Response,
		}, realtime.SourceCommands))
	}
	s.metrics.Acknowledged.Inc()
	return nil
}

// PendingConfig is the response to a device's config-check poll (§4.8).
type PendingConfig struct {
	HasConfig     bool   `json:"hasConfig"`
	ConfigID      string `json:"configId,omitempty"`
	ConfigVersion int64  `json:"configVersion,omitempty"`
	ConfigData    string `json:"configData,omitempty"`
}

// AssignConfig upserts a pending config assignment for rawMAC (§4.8).
func (s *Service) AssignConfig(ctx context.Context, rawMAC, configID string, configVersion int64) error {
	normalized, err := mac.Normalize(rawMAC)
	if err != nil {
		return err
	}
	return s.repo.AssignConfig(ctx, &core.DeviceConfigAssignment{
		MAC:           normalized,
		ConfigID:      configID,
		ConfigVersion: configVersion,
		Status:        core.ConfigAssignmentPending,
		AssignedAt:    time.Now(),
	})
}

// GetPendingConfig reports whether rawMAC has a config assignment awaiting
// application, resolving the config blob when one exists (§4.8).
func (s *Service) GetPendingConfig(ctx context.Context, rawMAC string) (*PendingConfig, error) {
	normalized, err := mac.Normalize(rawMAC)
	if err != nil {
		return nil, err
	}

	assignment, err := s.repo.GetConfigAssignment(ctx, normalized)
	if err != nil {
		if errors.Is(err, core.ErrConfigNotFound) {
			return &PendingConfig{HasConfig: false}, nil
		}
		return nil, err
	}
	if assignment == nil || assignment.Status == core.ConfigAssignmentApplied {
		return &PendingConfig{HasConfig: false}, nil
	}

	cfg, err := s.repo.GetConfig(ctx, assignment.ConfigID)
	if err != nil {
		return nil, err
	}

	return &PendingConfig{
		HasConfig:     true,
		ConfigID:      assignment.ConfigID,
		ConfigVersion: assignment.ConfigVersion,
		ConfigData:    cfg.ConfigData,
	}, nil
}

// AckConfig marks a device's config assignment applied and stamps its
// current config version (§4.8).
func (s *Service) AckConfig(ctx context.Context, rawMAC string, configVersion int64) error {
	normalized, err := mac.Normalize(rawMAC)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := s.repo.AckConfigAssignment(ctx, normalized, configVersion, now); err != nil {
		return err
	}

	_, err = s.repo.UpdateDeviceTx(ctx, normalized, func(d *core.Device) error {
		d.ConfigVersion = configVersion
		return nil
	})
	return err
}
