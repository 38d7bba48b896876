// Package core holds the domain model of the OTA fleet control plane and the
// repository port it is persisted through. It has no dependency on HTTP,
// storage drivers, or the fan-out transport: every other package depends on
// core, never the reverse.
package core

import "time"

// OTAStatus is the device-side lifecycle state driven by the update queue,
// the watchdog, and the device protocol handler.
type OTAStatus string

const (
	OTAStatusIdle      OTAStatus = "idle"
	OTAStatusPending   OTAStatus = "pending"
	OTAStatusUpdating  OTAStatus = "updating"
	OTAStatusUpdated   OTAStatus = "updated"
	OTAStatusFailed    OTAStatus = "failed"
)

// ConnectivityStatus is the device's last-known reachability. It is a hint
// only: callers must derive actual online/offline state from LastSeen via
// Device.Online(), never trust this field directly (see DESIGN.md).
type ConnectivityStatus string

const (
	StatusOnline  ConnectivityStatus = "online"
	StatusOffline ConnectivityStatus = "offline"
)

// OnlineThreshold is the staleness window after which a device with no
// heartbeat or check-in is considered offline.
const OnlineThreshold = 5 * time.Minute

// Device is the central fleet entity: identity, the current/previous/target
// version triple, OTA lifecycle, health telemetry, and rollback-protection
// bookkeeping.
type Device struct {
	ID   string `json:"id"`
	MAC  string `json:"mac"`
	Name string `json:"name"`
	Group string `json:"group"`

	CurrentVersion  string `json:"currentVersion"`
	PreviousVersion string `json:"previousVersion"`
	TargetVersion   string `json:"targetVersion"`

	OTAStatus OTAStatus          `json:"otaStatus"`
	Status    ConnectivityStatus `json:"status"`

	HealthScore         int       `json:"healthScore"`
	SignalStrength      *int      `json:"signalStrength,omitempty"`
	FreeHeap            *int64    `json:"freeHeap,omitempty"`
	Uptime              *int64    `json:"uptime,omitempty"`
	LastHeartbeat       time.Time `json:"lastHeartbeat,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`

	UpdateStartedAt   time.Time `json:"updateStartedAt,omitempty"`
	ExpectedCheckinBy time.Time `json:"expectedCheckinBy,omitempty"`
	UpdateAttempts    int       `json:"updateAttempts"`
	IsAtRisk          bool      `json:"isAtRisk"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	ConfigVersion int64 `json:"configVersion"`

	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastSeen     time.Time `json:"lastSeen"`
	LastOTACheck time.Time `json:"lastOtaCheck,omitempty"`
}

// Online derives connectivity from LastSeen as of "now". Per spec §3 and
// Open Question 2, stored Status is a hint only — this is the single
// authoritative derivation and it never mutates the device.
func (d *Device) Online(now time.Time) bool {
	if d.LastSeen.IsZero() {
		return false
	}
	return now.Sub(d.LastSeen) <= OnlineThreshold
}

// Snapshot captures the fields that an update-queue task or a direct
// mutation must be able to restore atomically on rollback.
type Snapshot struct {
	PreviousVersion   string
	CurrentVersion    string
	TargetVersion     string
	OTAStatus         OTAStatus
	UpdateStartedAt   time.Time
	ExpectedCheckinBy time.Time
	IsAtRisk          bool
}

// TakeSnapshot captures the subset of device state an update-task rollback
// or watchdog recovery must be able to restore.
func (d *Device) TakeSnapshot() Snapshot {
	return Snapshot{
		PreviousVersion:   d.PreviousVersion,
		CurrentVersion:    d.CurrentVersion,
		TargetVersion:     d.TargetVersion,
		OTAStatus:         d.OTAStatus,
		UpdateStartedAt:   d.UpdateStartedAt,
		ExpectedCheckinBy: d.ExpectedCheckinBy,
		IsAtRisk:          d.IsAtRisk,
	}
}

// Restore applies a previously captured Snapshot back onto the device.
func (d *Device) Restore(s Snapshot) {
	d.PreviousVersion = s.PreviousVersion
	d.CurrentVersion = s.CurrentVersion
	d.TargetVersion = s.TargetVersion
	d.OTAStatus = s.OTAStatus
	d.UpdateStartedAt = s.UpdateStartedAt
	d.ExpectedCheckinBy = s.ExpectedCheckinBy
	d.IsAtRisk = s.IsAtRisk
}

// Firmware is an immutable uploaded binary image, addressed by its semantic
// version string.
type Firmware struct {
	ID            string    `json:"id"`
	Version       string    `json:"version"`
	Filename      string    `json:"filename"`
	SizeBytes     int64     `json:"sizeBytes"`
	ContentHash   string    `json:"contentHash"` // 32-byte SHA-256, hex-encoded
	ReleaseNotes  string    `json:"releaseNotes,omitempty"`
	DownloadCount int64     `json:"downloadCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

// LogAction enumerates DeviceLog event kinds.
type LogAction string

const (
	LogActionRegister LogAction = "register"
	LogActionCheck    LogAction = "check"
	LogActionDownload LogAction = "download"
	LogActionDeploy   LogAction = "deploy"
	LogActionReport   LogAction = "report"
	LogActionRollback LogAction = "rollback"
	LogActionReset    LogAction = "reset"
	LogActionDelete   LogAction = "delete"
)

// LogStatus enumerates DeviceLog outcome states.
type LogStatus string

const (
	LogStatusPending LogStatus = "pending"
	LogStatusSuccess LogStatus = "success"
	LogStatusFailed  LogStatus = "failed"
	LogStatusUpdated LogStatus = "updated"
)

// DeviceLog is an append-only event recorded against a device.
type DeviceLog struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"deviceId"`
	MAC         string    `json:"mac"`
	Action      LogAction `json:"action"`
	Status      LogStatus `json:"status"`
	FromVersion string    `json:"fromVersion,omitempty"`
	ToVersion   string    `json:"toVersion,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Cleared     bool      `json:"cleared"`
}

// RolloutStatus enumerates StagedRollout lifecycle states.
type RolloutStatus string

const (
	RolloutActive     RolloutStatus = "active"
	RolloutPaused     RolloutStatus = "paused"
	RolloutCompleting RolloutStatus = "completing"
	RolloutCompleted  RolloutStatus = "completed"
	RolloutCancelled  RolloutStatus = "cancelled"
)

// StagedRollout is a percentage-phased firmware rollout across the fleet.
type StagedRollout struct {
	ID                 string        `json:"id"`
	Version            string        `json:"version"`
	CurrentStage       int           `json:"currentStage"` // 1-based
	StagePercentages   []int         `json:"stagePercentages"`
	Status             RolloutStatus `json:"status"`
	TotalDevices       int           `json:"totalDevices"`
	UpdatedDevices     int           `json:"updatedDevices"`
	FailedDevices      int           `json:"failedDevices"`
	AutoExpand         bool          `json:"autoExpand"`
	ExpandAfterMinutes int           `json:"expandAfterMinutes"`
	FailureThreshold   int           `json:"failureThreshold"` // percent
	LastExpanded       time.Time     `json:"lastExpanded"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// DeviceHeartbeat is one time-series health sample reported by a device.
type DeviceHeartbeat struct {
	ID             string    `json:"id"`
	DeviceID       string    `json:"deviceId"`
	MAC            string    `json:"mac"`
	RSSI           *int      `json:"rssi,omitempty"`
	FreeHeap       *int64    `json:"freeHeap,omitempty"`
	Uptime         *int64    `json:"uptime,omitempty"`
	CPUTemp        *float64  `json:"cpuTemp,omitempty"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// AuditSeverity enumerates AuditLog severity levels.
type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "info"
	AuditWarning  AuditSeverity = "warning"
	AuditCritical AuditSeverity = "critical"
)

// AuditLog is a structured record of an operator-initiated action.
type AuditLog struct {
	ID         string                 `json:"id"`
	Actor      string                 `json:"actor"`
	Action     string                 `json:"action"`
	EntityType string                 `json:"entityType"`
	EntityID   string                 `json:"entityId"`
	EntityName string                 `json:"entityName,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	IP         string                 `json:"ip,omitempty"`
	Severity   AuditSeverity          `json:"severity"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// Webhook is an outbound subscription: which lifecycle events it receives,
// and the HMAC secret (if any) used to sign deliveries.
type Webhook struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	Secret          string    `json:"secret,omitempty"`
	Events          []string  `json:"events"` // may contain "*" for wildcard
	Active          bool      `json:"active"`
	LastStatusCode  int       `json:"lastStatusCode,omitempty"`
	LastTriggeredAt time.Time `json:"lastTriggeredAt,omitempty"`
	FailureCount    int       `json:"failureCount"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Subscribes reports whether the webhook is subscribed to event, honoring
// the wildcard subscription.
func (w *Webhook) Subscribes(event string) bool {
	for _, e := range w.Events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// DeviceConfig is a named, versioned JSON configuration blob that can be
// assigned to devices.
type DeviceConfig struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ConfigData string    `json:"configData"` // raw JSON
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ConfigAssignmentStatus enumerates DeviceConfigAssignment states.
type ConfigAssignmentStatus string

const (
	ConfigAssignmentPending ConfigAssignmentStatus = "pending"
	ConfigAssignmentApplied ConfigAssignmentStatus = "applied"
	ConfigAssignmentFailed  ConfigAssignmentStatus = "failed"
)

// DeviceConfigAssignment binds a device MAC to a config version.
type DeviceConfigAssignment struct {
	MAC            string                 `json:"mac"`
	ConfigID       string                 `json:"configId"`
	ConfigVersion  int64                  `json:"configVersion"`
	Status         ConfigAssignmentStatus `json:"status"`
	AssignedAt     time.Time              `json:"assignedAt"`
	AppliedAt      time.Time              `json:"appliedAt,omitempty"`
}

// CommandStatus enumerates DeviceCommand lifecycle states.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
	CommandExpired      CommandStatus = "expired"
)

// DefaultCommandTTL is how long a queued command waits for delivery before
// it is considered expired.
const DefaultCommandTTL = 5 * time.Minute

// DeviceCommand is a pending remote action queued for delivery to a device.
type DeviceCommand struct {
	ID             string        `json:"id"`
	MAC            string        `json:"mac"`
	Command        string        `json:"command"`
	Payload        string        `json:"payload,omitempty"` // raw JSON
	Status         CommandStatus `json:"status"`
	Response       string        `json:"response,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	SentAt         time.Time     `json:"sentAt,omitempty"`
	AcknowledgedAt time.Time     `json:"acknowledgedAt,omitempty"`
	ExpiresAt      time.Time     `json:"expiresAt"`
}
