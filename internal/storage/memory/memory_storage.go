// Package memory implements core.Repository with in-memory maps.
//
// WARNING: Data is NOT persisted - lost on restart or crash. Use only for:
//  1. Development/testing environments
//  2. Graceful degradation during storage outages
//
// A single RWMutex guards every map: this makes UpdateDeviceTx's
// single-writer-per-MAC guarantee trivial (the whole store serializes) at
// the cost of fleet-wide contention, which is acceptable for the scale this
// backend targets (dev, degraded mode, unit tests).
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetota/control-plane/internal/core"
)

const deviceLogCapacity = 50000 // FIFO eviction once exceeded, oldest first

// MemoryRepository implements core.Repository using in-memory maps.
type MemoryRepository struct {
	mu sync.RWMutex

	devices    map[string]*core.Device // MAC -> device
	deviceByID map[string]string       // ID -> MAC

	firmware     map[string]*core.Firmware // version -> firmware
	firmwareByID map[string]string         // ID -> version

	deviceLogs []*core.DeviceLog // append-only, newest last

	rollouts map[string]*core.StagedRollout // ID -> rollout

	heartbeats map[string][]*core.DeviceHeartbeat // MAC -> heartbeats, newest last

	auditLogs []*core.AuditLog // append-only, newest last

	webhooks map[string]*core.Webhook // ID -> webhook

	configs map[string]*core.DeviceConfig // ID -> config

	configAssignments map[string]*core.DeviceConfigAssignment // MAC -> assignment

	commands map[string]*core.DeviceCommand // ID -> command

	logger *slog.Logger
}

// NewMemoryRepository creates an in-memory repository.
func NewMemoryRepository(logger *slog.Logger) *MemoryRepository {
	logger.Warn("in-memory repository created, data will not persist")

	return &MemoryRepository{
		devices:           make(map[string]*core.Device),
		deviceByID:        make(map[string]string),
		firmware:          make(map[string]*core.Firmware),
		firmwareByID:      make(map[string]string),
		rollouts:          make(map[string]*core.StagedRollout),
		heartbeats:        make(map[string][]*core.DeviceHeartbeat),
		webhooks:          make(map[string]*core.Webhook),
		configs:           make(map[string]*core.DeviceConfig),
		configAssignments: make(map[string]*core.DeviceConfigAssignment),
		commands:          make(map[string]*core.DeviceCommand),
		logger:            logger,
	}
}

func cloneDevice(d *core.Device) *core.Device {
	c := *d
	return &c
}

// --- Devices ---

func (m *MemoryRepository) CreateDevice(ctx context.Context, d *core.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[d.MAC]; exists {
		return core.ErrDeviceExists
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	m.devices[d.MAC] = cloneDevice(d)
	m.deviceByID[d.ID] = d.MAC
	return nil
}

func (m *MemoryRepository) GetDeviceByMAC(ctx context.Context, mac string) (*core.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[mac]
	if !ok {
		return nil, core.ErrDeviceNotFound
	}
	return cloneDevice(d), nil
}

func (m *MemoryRepository) GetDeviceByID(ctx context.Context, id string) (*core.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mac, ok := m.deviceByID[id]
	if !ok {
		return nil, core.ErrDeviceNotFound
	}
	return cloneDevice(m.devices[mac]), nil
}

func (m *MemoryRepository) ListDevices(ctx context.Context, filter core.DeviceFilter) ([]*core.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.Device, 0, len(m.devices))
	for _, d := range m.devices {
		if filter.Group != "" && d.Group != filter.Group {
			continue
		}
		if filter.OTAStatus != "" && d.OTAStatus != filter.OTAStatus {
			continue
		}
		if filter.IsAtRisk != nil && d.IsAtRisk != *filter.IsAtRisk {
			continue
		}
		out = append(out, cloneDevice(d))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*core.Device{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) CountDevices(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices), nil
}

func (m *MemoryRepository) DeleteDevice(ctx context.Context, mac, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[mac]
	if !ok {
		return core.ErrDeviceNotFound
	}
	delete(m.deviceByID, d.ID)
	delete(m.devices, mac)
	return nil
}

func (m *MemoryRepository) UpdateDeviceTx(ctx context.Context, mac string, mutate core.DeviceMutator) (*core.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[mac]
	if !ok {
		return nil, core.ErrDeviceNotFound
	}
	working := cloneDevice(d)
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now()
	m.devices[mac] = working
	return cloneDevice(working), nil
}

func (m *MemoryRepository) TouchLastSeen(ctx context.Context, mac string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[mac]
	if !ok {
		return core.ErrDeviceNotFound
	}
	if seenAt.After(d.LastSeen) {
		d.LastSeen = seenAt
	}
	return nil
}

// --- Firmware ---

func (m *MemoryRepository) CreateFirmware(ctx context.Context, f *core.Firmware) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.firmware[f.Version]; exists {
		return core.ErrFirmwareExists
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	cp := *f
	m.firmware[f.Version] = &cp
	m.firmwareByID[f.ID] = f.Version
	return nil
}

func (m *MemoryRepository) GetFirmwareByVersion(ctx context.Context, version string) (*core.Firmware, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.firmware[version]
	if !ok {
		return nil, core.ErrFirmwareNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryRepository) GetFirmwareByID(ctx context.Context, id string) (*core.Firmware, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	version, ok := m.firmwareByID[id]
	if !ok {
		return nil, core.ErrFirmwareNotFound
	}
	cp := *m.firmware[version]
	return &cp, nil
}

func (m *MemoryRepository) ListFirmware(ctx context.Context) ([]*core.Firmware, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.Firmware, 0, len(m.firmware))
	for _, f := range m.firmware {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) DeleteFirmware(ctx context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.firmware[version]
	if !ok {
		return core.ErrFirmwareNotFound
	}
	delete(m.firmwareByID, f.ID)
	delete(m.firmware, version)
	return nil
}

func (m *MemoryRepository) IncrementDownloadCount(ctx context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.firmware[version]
	if !ok {
		return core.ErrFirmwareNotFound
	}
	f.DownloadCount++
	return nil
}

// --- Device logs ---

func (m *MemoryRepository) AppendDeviceLog(ctx context.Context, log *core.DeviceLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now()
	}
	cp := *log
	m.deviceLogs = append(m.deviceLogs, &cp)

	if len(m.deviceLogs) > deviceLogCapacity {
		overflow := len(m.deviceLogs) - deviceLogCapacity
		m.deviceLogs = m.deviceLogs[overflow:]
	}
	return nil
}

func (m *MemoryRepository) ListDeviceLogs(ctx context.Context, mac string, limit int) ([]*core.DeviceLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.DeviceLog, 0, limit)
	for i := len(m.deviceLogs) - 1; i >= 0; i-- {
		l := m.deviceLogs[i]
		if mac != "" && l.MAC != mac {
			continue
		}
		cp := *l
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Staged rollouts ---

func (m *MemoryRepository) CreateRollout(ctx context.Context, r *core.StagedRollout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	cp := *r
	m.rollouts[r.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetRollout(ctx context.Context, id string) (*core.StagedRollout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rollouts[id]
	if !ok {
		return nil, core.ErrRolloutNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) ListRollouts(ctx context.Context) ([]*core.StagedRollout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.StagedRollout, 0, len(m.rollouts))
	for _, r := range m.rollouts {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) UpdateRollout(ctx context.Context, r *core.StagedRollout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rollouts[r.ID]; !ok {
		return core.ErrRolloutNotFound
	}
	cp := *r
	m.rollouts[r.ID] = &cp
	return nil
}

func (m *MemoryRepository) DeleteRollout(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rollouts[id]; !ok {
		return core.ErrRolloutNotFound
	}
	delete(m.rollouts, id)
	return nil
}

// --- Heartbeats ---

func (m *MemoryRepository) CreateHeartbeat(ctx context.Context, h *core.DeviceHeartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.RecordedAt.IsZero() {
		h.RecordedAt = time.Now()
	}
	cp := *h
	m.heartbeats[h.MAC] = append(m.heartbeats[h.MAC], &cp)
	return nil
}

func (m *MemoryRepository) ListHeartbeats(ctx context.Context, mac string, limit int) ([]*core.DeviceHeartbeat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.heartbeats[mac]
	out := make([]*core.DeviceHeartbeat, 0, limit)
	for i := len(all) - 1; i >= 0; i-- {
		cp := *all[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Audit ---

func (m *MemoryRepository) AppendAuditLog(ctx context.Context, a *core.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	m.auditLogs = append(m.auditLogs, &cp)
	return nil
}

func (m *MemoryRepository) ListAuditLogs(ctx context.Context, limit, offset int) ([]*core.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.AuditLog, 0, len(m.auditLogs))
	for i := len(m.auditLogs) - 1; i >= 0; i-- {
		cp := *m.auditLogs[i]
		out = append(out, &cp)
	}
	if offset > 0 {
		if offset >= len(out) {
			return []*core.AuditLog{}, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// --- Webhooks ---

func (m *MemoryRepository) CreateWebhook(ctx context.Context, w *core.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	cp := *w
	m.webhooks[w.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetWebhook(ctx context.Context, id string) (*core.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.webhooks[id]
	if !ok {
		return nil, core.ErrWebhookNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryRepository) ListWebhooks(ctx context.Context) ([]*core.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.Webhook, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*core.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*core.Webhook{}
	for _, w := range m.webhooks {
		if !w.Active || !w.Subscribes(event) {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryRepository) UpdateWebhook(ctx context.Context, w *core.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[w.ID]; !ok {
		return core.ErrWebhookNotFound
	}
	cp := *w
	m.webhooks[w.ID] = &cp
	return nil
}

func (m *MemoryRepository) DeleteWebhook(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[id]; !ok {
		return core.ErrWebhookNotFound
	}
	delete(m.webhooks, id)
	return nil
}

func (m *MemoryRepository) RecordWebhookDelivery(ctx context.Context, id string, statusCode int, success bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.webhooks[id]
	if !ok {
		return core.ErrWebhookNotFound
	}
	w.LastStatusCode = statusCode
	w.LastTriggeredAt = at
	if !success {
		w.FailureCount++
	} else {
		w.FailureCount = 0
	}
	return nil
}

// --- Device configs ---

func (m *MemoryRepository) CreateConfig(ctx context.Context, c *core.DeviceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Version == 0 {
		c.Version = 1
	}
	cp := *c
	m.configs[c.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetConfig(ctx context.Context, id string) (*core.DeviceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.configs[id]
	if !ok {
		return nil, core.ErrConfigNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryRepository) ListConfigs(ctx context.Context) ([]*core.DeviceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.DeviceConfig, 0, len(m.configs))
	for _, c := range m.configs {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) UpdateConfig(ctx context.Context, id string, configData string) (*core.DeviceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.configs[id]
	if !ok {
		return nil, core.ErrConfigNotFound
	}
	c.ConfigData = configData
	c.Version++
	c.UpdatedAt = time.Now()
	cp := *c
	return &cp, nil
}

func (m *MemoryRepository) DeleteConfig(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[id]; !ok {
		return core.ErrConfigNotFound
	}
	delete(m.configs, id)
	return nil
}

// --- Config assignments ---

func (m *MemoryRepository) AssignConfig(ctx context.Context, a *core.DeviceConfigAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	cp := *a
	m.configAssignments[a.MAC] = &cp
	return nil
}

func (m *MemoryRepository) GetConfigAssignment(ctx context.Context, mac string) (*core.DeviceConfigAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.configAssignments[mac]
	if !ok {
		return nil, core.ErrConfigNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) AckConfigAssignment(ctx context.Context, mac string, configVersion int64, appliedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.configAssignments[mac]
	if !ok {
		return core.ErrConfigNotFound
	}
	a.Status = core.ConfigAssignmentApplied
	a.AppliedAt = appliedAt
	a.ConfigVersion = configVersion
	return nil
}

// --- Commands ---

func (m *MemoryRepository) EnqueueCommand(ctx context.Context, c *core.DeviceCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	m.commands[c.ID] = &cp
	return nil
}

func (m *MemoryRepository) ListPendingCommands(ctx context.Context, mac string, now time.Time) ([]*core.DeviceCommand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*core.DeviceCommand{}
	for _, c := range m.commands {
		if c.MAC != mac || c.Status != core.CommandPending {
			continue
		}
		if now.After(c.ExpiresAt) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) MarkCommandsSent(ctx context.Context, ids []string, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if c, ok := m.commands[id]; ok {
			c.Status = core.CommandSent
			c.SentAt = sentAt
		}
	}
	return nil
}

func (m *MemoryRepository) ExpireCommands(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if c, ok := m.commands[id]; ok {
			c.Status = core.CommandExpired
		}
	}
	return nil
}

func (m *MemoryRepository) GetCommand(ctx context.Context, id string) (*core.DeviceCommand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.commands[id]
	if !ok {
		return nil, core.ErrCommandNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryRepository) AcknowledgeCommand(ctx context.Context, id string, status core.CommandStatus, response string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.commands[id]
	if !ok {
		return core.ErrCommandNotFound
	}
	c.Status = status
	c.Response = response
	c.AcknowledgedAt = at
	return nil
}

// Close releases no resources; present to satisfy graceful-shutdown callers.
func (m *MemoryRepository) Close() error {
	m.logger.Info("memory repository closed, data discarded")
	return nil
}

// Health always succeeds; memory storage has no external dependency to fail.
func (m *MemoryRepository) Health(ctx context.Context) error {
	return nil
}

var _ core.Repository = (*MemoryRepository)(nil)
