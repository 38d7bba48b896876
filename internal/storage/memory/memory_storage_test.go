package memory_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/storage/memory"
)

func newTestRepo(t *testing.T) core.Repository {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return memory.NewMemoryRepository(logger)
}

func newTestDevice(mac string) *core.Device {
	return &core.Device{
		MAC:            mac,
		Name:           "device-" + mac,
		CurrentVersion: "1.0.0",
		OTAStatus:      core.OTAStatusIdle,
		LastSeen:       time.Now(),
	}
}

func TestCreateDevice_DuplicateMACRejected(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateDevice(ctx, newTestDevice("AABBCCDDEEFF")))
	err := repo.CreateDevice(ctx, newTestDevice("AABBCCDDEEFF"))
	assert.ErrorIs(t, err, core.ErrDeviceExists)
}

func TestGetDeviceByMAC_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetDeviceByMAC(context.Background(), "000000000000")
	assert.ErrorIs(t, err, core.ErrDeviceNotFound)
}

func TestGetDeviceByID_RoundTrips(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	d := newTestDevice("AABBCCDDEEFF")
	require.NoError(t, repo.CreateDevice(ctx, d))

	byID, err := repo.GetDeviceByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "AABBCCDDEEFF", byID.MAC)
}

func TestUpdateDeviceTx_AppliesMutation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateDevice(ctx, newTestDevice("AABBCCDDEEFF")))

	updated, err := repo.UpdateDeviceTx(ctx, "AABBCCDDEEFF", func(d *core.Device) error {
		d.OTAStatus = core.OTAStatusUpdating
		d.TargetVersion = "2.0.0"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, core.OTAStatusUpdating, updated.OTAStatus)

	fetched, err := repo.GetDeviceByMAC(ctx, "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", fetched.TargetVersion)
}

func TestUpdateDeviceTx_MutatorErrorAbortsWrite(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateDevice(ctx, newTestDevice("AABBCCDDEEFF")))

	_, err := repo.UpdateDeviceTx(ctx, "AABBCCDDEEFF", func(d *core.Device) error {
		d.TargetVersion = "2.0.0"
		return assert.AnError
	})
	assert.Error(t, err)

	fetched, err := repo.GetDeviceByMAC(ctx, "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Empty(t, fetched.TargetVersion)
}

func TestTouchLastSeen_NeverRegresses(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	d := newTestDevice("AABBCCDDEEFF")
	later := time.Now()
	d.LastSeen = later
	require.NoError(t, repo.CreateDevice(ctx, d))

	require.NoError(t, repo.TouchLastSeen(ctx, "AABBCCDDEEFF", later.Add(-time.Hour)))

	fetched, err := repo.GetDeviceByMAC(ctx, "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.WithinDuration(t, later, fetched.LastSeen, time.Second)
}

func TestListDevices_FiltersByGroupAndAtRisk(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	d1 := newTestDevice("AAAAAAAAAAAA")
	d1.Group = "fleet-a"
	d1.IsAtRisk = true
	require.NoError(t, repo.CreateDevice(ctx, d1))

	d2 := newTestDevice("BBBBBBBBBBBB")
	d2.Group = "fleet-b"
	require.NoError(t, repo.CreateDevice(ctx, d2))

	atRisk := true
	devices, err := repo.ListDevices(ctx, core.DeviceFilter{IsAtRisk: &atRisk})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "AAAAAAAAAAAA", devices[0].MAC)

	devices, err = repo.ListDevices(ctx, core.DeviceFilter{Group: "fleet-b"})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "BBBBBBBBBBBB", devices[0].MAC)
}

func TestListDevices_Pagination(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mac := string(rune('A'+i)) + "11111111111"
		require.NoError(t, repo.CreateDevice(ctx, newTestDevice(mac)))
	}

	page, err := repo.ListDevices(ctx, core.DeviceFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestCreateFirmware_DuplicateVersionRejected(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	fw := &core.Firmware{Version: "1.2.3", Filename: "fw.bin", ContentHash: "abc"}
	require.NoError(t, repo.CreateFirmware(ctx, fw))
	err := repo.CreateFirmware(ctx, &core.Firmware{Version: "1.2.3"})
	assert.ErrorIs(t, err, core.ErrFirmwareExists)
}

func TestIncrementDownloadCount(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateFirmware(ctx, &core.Firmware{Version: "1.0.0"}))

	require.NoError(t, repo.IncrementDownloadCount(ctx, "1.0.0"))
	require.NoError(t, repo.IncrementDownloadCount(ctx, "1.0.0"))

	fw, err := repo.GetFirmwareByVersion(ctx, "1.0.0")
	require.NoError(t, err)
	assert.EqualValues(t, 2, fw.DownloadCount)
}

func TestAppendDeviceLog_ListOrderedNewestFirst(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.AppendDeviceLog(ctx, &core.DeviceLog{
			MAC: "AABBCCDDEEFF", Action: core.LogActionCheck, Status: core.LogStatusSuccess,
			Message: string(rune('a' + i)),
		}))
	}

	logs, err := repo.ListDeviceLogs(ctx, "AABBCCDDEEFF", 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "c", logs[0].Message)
}

func TestRolloutLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	r := &core.StagedRollout{Version: "2.0.0", StagePercentages: []int{10, 50, 100}, Status: core.RolloutActive}
	require.NoError(t, repo.CreateRollout(ctx, r))

	r.CurrentStage = 2
	require.NoError(t, repo.UpdateRollout(ctx, r))

	fetched, err := repo.GetRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fetched.CurrentStage)

	require.NoError(t, repo.DeleteRollout(ctx, r.ID))
	_, err = repo.GetRollout(ctx, r.ID)
	assert.ErrorIs(t, err, core.ErrRolloutNotFound)
}

func TestWebhook_ListActiveForEventHonorsWildcard(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateWebhook(ctx, &core.Webhook{
		Name: "all-events", URL: "http://example.com", Events: []string{"*"}, Active: true,
	}))
	require.NoError(t, repo.CreateWebhook(ctx, &core.Webhook{
		Name: "deploy-only", URL: "http://example.com", Events: []string{"deploy"}, Active: true,
	}))
	require.NoError(t, repo.CreateWebhook(ctx, &core.Webhook{
		Name: "inactive", URL: "http://example.com", Events: []string{"*"}, Active: false,
	}))

	hooks, err := repo.ListActiveWebhooksForEvent(ctx, "deploy")
	require.NoError(t, err)
	assert.Len(t, hooks, 2)
}

func TestConfigAssignment_AckUpdatesStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.AssignConfig(ctx, &core.DeviceConfigAssignment{
		MAC: "AABBCCDDEEFF", ConfigID: "cfg-1", ConfigVersion: 1, Status: core.ConfigAssignmentPending,
	}))

	require.NoError(t, repo.AckConfigAssignment(ctx, "AABBCCDDEEFF", 1, time.Now()))

	a, err := repo.GetConfigAssignment(ctx, "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, core.ConfigAssignmentApplied, a.Status)
}

func TestCommand_ListPendingExcludesExpiredAndSent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	pending := &core.DeviceCommand{MAC: "AABBCCDDEEFF", Command: "restart", Status: core.CommandPending, ExpiresAt: now.Add(time.Minute)}
	expired := &core.DeviceCommand{MAC: "AABBCCDDEEFF", Command: "restart", Status: core.CommandPending, ExpiresAt: now.Add(-time.Minute)}
	sent := &core.DeviceCommand{MAC: "AABBCCDDEEFF", Command: "restart", Status: core.CommandSent, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, repo.EnqueueCommand(ctx, pending))
	require.NoError(t, repo.EnqueueCommand(ctx, expired))
	require.NoError(t, repo.EnqueueCommand(ctx, sent))

	list, err := repo.ListPendingCommands(ctx, "AABBCCDDEEFF", now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID, list[0].ID)
}

func TestCommand_AcknowledgeSetsResponse(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cmd := &core.DeviceCommand{MAC: "AABBCCDDEEFF", Command: "restart", Status: core.CommandSent, ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, repo.EnqueueCommand(ctx, cmd))

	require.NoError(t, repo.AcknowledgeCommand(ctx, cmd.ID, core.CommandAcknowledged, "ok", time.Now()))

	fetched, err := repo.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CommandAcknowledged, fetched.Status)
	assert.Equal(t, "ok", fetched.Response)
}

func TestConcurrentDeviceWrites(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateDevice(ctx, newTestDevice("AABBCCDDEEFF")))

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := repo.UpdateDeviceTx(ctx, "AABBCCDDEEFF", func(d *core.Device) error {
				d.UpdateAttempts++
				return nil
			})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	fetched, err := repo.GetDeviceByMAC(ctx, "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, n, fetched.UpdateAttempts)
}
