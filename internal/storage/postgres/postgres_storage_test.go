package postgres_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/storage/postgres"
)

// newTestRepo spins up a disposable Postgres container per test. These tests
// are skipped in short mode since they require a working Docker daemon, same
// tradeoff the Standard-profile integration tests take elsewhere in this repo.
func newTestRepo(t *testing.T) core.Repository {
	if testing.Short() {
		t.Skip("skipping testcontainers-backed postgres test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("otacontrol"),
		tcpostgres.WithUsername("otacontrol"),
		tcpostgres.WithPassword("otacontrol"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	repo := postgres.NewPostgresRepository(pool, logger)
	require.NoError(t, repo.InitSchema(ctx))

	return repo
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

func TestPostgres_CreateDevice_DuplicateMACRejected(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateDevice(ctx, newTestDevice("AABBCCDDEEFF")))
	err := repo.CreateDevice(ctx, newTestDevice("AABBCCDDEEFF"))
	assert.ErrorIs(t, err, core.ErrDeviceExists)
}

func TestPostgres_GetDeviceByMAC_RoundTrips(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	d := newTestDevice("AABBCCDDEEFF")
	d.Group = "fleet-a"
	signal := -55
	d.SignalStrength = &signal
	require.NoError(t, repo.CreateDevice(ctx, d))

	got, err := repo.GetDeviceByMAC(ctx, "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, "fleet-a", got.Group)
	require.NotNil(t, got.SignalStrength)
	assert.Equal(t, -55, *got.SignalStrength)
}

func TestPostgres_GetDeviceByMAC_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetDeviceByMAC(context.Background(), "000000000000")
	assert.ErrorIs(t, err, core.ErrDeviceNotFound)
}

func TestPostgres_UpdateDeviceTx_AppliesMutation(t *testing.T) {
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

func TestPostgres_UpdateDeviceTx_MutatorErrorAbortsWrite(t *testing.T) {
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

func TestPostgres_TouchLastSeen_NeverRegresses(t *testing.T) {
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

func TestPostgres_ListDevices_FiltersAndPagination(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mac := string(rune('A'+i)) + "11111111111"
		d := newTestDevice(mac)
		if i == 0 {
			d.IsAtRisk = true
		}
		require.NoError(t, repo.CreateDevice(ctx, d))
	}

	atRisk := true
	devices, err := repo.ListDevices(ctx, core.DeviceFilter{IsAtRisk: &atRisk})
	require.NoError(t, err)
	require.Len(t, devices, 1)

	page, err := repo.ListDevices(ctx, core.DeviceFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestPostgres_Firmware_CreateAndIncrementDownloads(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	fw := &core.Firmware{Version: "1.2.3", Filename: "fw.bin", ContentHash: "abc"}
	require.NoError(t, repo.CreateFirmware(ctx, fw))

	err := repo.CreateFirmware(ctx, &core.Firmware{Version: "1.2.3"})
	assert.ErrorIs(t, err, core.ErrFirmwareExists)

	require.NoError(t, repo.IncrementDownloadCount(ctx, "1.2.3"))
	require.NoError(t, repo.IncrementDownloadCount(ctx, "1.2.3"))

	got, err := repo.GetFirmwareByVersion(ctx, "1.2.3")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.DownloadCount)
}

func TestPostgres_RolloutLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	r := &core.StagedRollout{Version: "2.0.0", StagePercentages: []int{10, 50, 100}, Status: core.RolloutActive}
	require.NoError(t, repo.CreateRollout(ctx, r))

	r.CurrentStage = 2
	require.NoError(t, repo.UpdateRollout(ctx, r))

	fetched, err := repo.GetRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fetched.CurrentStage)
	assert.Equal(t, []int{10, 50, 100}, fetched.StagePercentages)

	require.NoError(t, repo.DeleteRollout(ctx, r.ID))
	_, err = repo.GetRollout(ctx, r.ID)
	assert.ErrorIs(t, err, core.ErrRolloutNotFound)
}

func TestPostgres_Webhook_ListActiveForEventHonorsWildcard(t *testing.T) {
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

func TestPostgres_ConfigAssignment_AckUpdatesStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateConfig(ctx, &core.DeviceConfig{ID: "cfg-1", Name: "base", ConfigData: "{}"}))
	require.NoError(t, repo.AssignConfig(ctx, &core.DeviceConfigAssignment{
		MAC: "AABBCCDDEEFF", ConfigID: "cfg-1", ConfigVersion: 1, Status: core.ConfigAssignmentPending,
	}))

	require.NoError(t, repo.AckConfigAssignment(ctx, "AABBCCDDEEFF", 1, time.Now()))

	a, err := repo.GetConfigAssignment(ctx, "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, core.ConfigAssignmentApplied, a.Status)
}

func TestPostgres_Command_ListPendingExcludesExpired(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	pending := &core.DeviceCommand{MAC: "AABBCCDDEEFF", Command: "restart", Status: core.CommandPending, ExpiresAt: now.Add(time.Minute)}
	expired := &core.DeviceCommand{MAC: "AABBCCDDEEFF", Command: "restart", Status: core.CommandPending, ExpiresAt: now.Add(-time.Minute)}
	require.NoError(t, repo.EnqueueCommand(ctx, pending))
	require.NoError(t, repo.EnqueueCommand(ctx, expired))

	list, err := repo.ListPendingCommands(ctx, "AABBCCDDEEFF", now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID, list[0].ID)
}

func TestPostgres_ConcurrentDeviceWrites_SerializedByRowLock(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateDevice(ctx, newTestDevice("AABBCCDDEEFF")))

	const n = 10
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
