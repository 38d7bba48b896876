package core

import (
	"context"
	"time"
)

// DeviceMutator is the function a caller supplies to UpdateDeviceTx: it
// receives the current row and mutates it in place. Returning an error
// aborts the transaction with no write applied.
type DeviceMutator func(d *Device) error

// DeviceFilter narrows ListDevices results.
type DeviceFilter struct {
	Group     string
	OTAStatus OTAStatus
	IsAtRisk  *bool
	Limit     int
	Offset    int
}

// Repository is the storage port every core subsystem depends on. It is the
// sole owner of persistent state (§5): all device-row mutations that are not
// routed through the update queue go through UpdateDeviceTx so that no two
// transitions can observe the same prior state and both commit.
type Repository interface {
	// Devices
	CreateDevice(ctx context.Context, d *Device) error
	GetDeviceByMAC(ctx context.Context, mac string) (*Device, error)
	GetDeviceByID(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context, filter DeviceFilter) ([]*Device, error)
	CountDevices(ctx context.Context) (int, error)
	DeleteDevice(ctx context.Context, mac, reason string) error

	// UpdateDeviceTx reads the current row by MAC, applies mutate, and writes
	// it back atomically. Implementations must guarantee that concurrent
	// callers for the same MAC are serialized (advisory lock, row lock, or
	// compare-and-swap) so the net effect is single-writer-per-MAC.
	UpdateDeviceTx(ctx context.Context, mac string, mutate DeviceMutator) (*Device, error)

	// TouchLastSeen advances LastSeen to max(current, seenAt); it never
	// regresses it (lastSeen is monotonic, §3).
	TouchLastSeen(ctx context.Context, mac string, seenAt time.Time) error

	// Firmware
	CreateFirmware(ctx context.Context, f *Firmware) error
	GetFirmwareByVersion(ctx context.Context, version string) (*Firmware, error)
	GetFirmwareByID(ctx context.Context, id string) (*Firmware, error)
	ListFirmware(ctx context.Context) ([]*Firmware, error)
	DeleteFirmware(ctx context.Context, version string) error
	IncrementDownloadCount(ctx context.Context, version string) error

	// Device logs
	AppendDeviceLog(ctx context.Context, log *DeviceLog) error
	ListDeviceLogs(ctx context.Context, mac string, limit int) ([]*DeviceLog, error)

	// Staged rollouts
	CreateRollout(ctx context.Context, r *StagedRollout) error
	GetRollout(ctx context.Context, id string) (*StagedRollout, error)
	ListRollouts(ctx context.Context) ([]*StagedRollout, error)
	UpdateRollout(ctx context.Context, r *StagedRollout) error
	DeleteRollout(ctx context.Context, id string) error

	// Heartbeats
	CreateHeartbeat(ctx context.Context, h *DeviceHeartbeat) error
	ListHeartbeats(ctx context.Context, mac string, limit int) ([]*DeviceHeartbeat, error)

	// Audit
	AppendAuditLog(ctx context.Context, a *AuditLog) error
	ListAuditLogs(ctx context.Context, limit, offset int) ([]*AuditLog, error)

	// Webhooks
	CreateWebhook(ctx context.Context, w *Webhook) error
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	ListWebhooks(ctx context.Context) ([]*Webhook, error)
	ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*Webhook, error)
	UpdateWebhook(ctx context.Context, w *Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
	RecordWebhookDelivery(ctx context.Context, id string, statusCode int, success bool, at time.Time) error

	// Device configs
	CreateConfig(ctx context.Context, c *DeviceConfig) error
	GetConfig(ctx context.Context, id string) (*DeviceConfig, error)
	ListConfigs(ctx context.Context) ([]*DeviceConfig, error)
	UpdateConfig(ctx context.Context, id string, configData string) (*DeviceConfig, error)
	DeleteConfig(ctx context.Context, id string) error

	// Config assignments
	AssignConfig(ctx context.Context, a *DeviceConfigAssignment) error
	GetConfigAssignment(ctx context.Context, mac string) (*DeviceConfigAssignment, error)
	AckConfigAssignment(ctx context.Context, mac string, configVersion int64, appliedAt time.Time) error

	// Commands
	EnqueueCommand(ctx context.Context, c *DeviceCommand) error
	ListPendingCommands(ctx context.Context, mac string, now time.Time) ([]*DeviceCommand, error)
	MarkCommandsSent(ctx context.Context, ids []string, sentAt time.Time) error
	ExpireCommands(ctx context.Context, ids []string) error
	GetCommand(ctx context.Context, id string) (*DeviceCommand, error)
	AcknowledgeCommand(ctx context.Context, id string, status CommandStatus, response string, at time.Time) error
}
