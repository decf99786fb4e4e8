package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/treadmill-bridge/internal/ftms"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load([]string{"--mock"})
	require.NoError(t, err)

	assert.True(t, cfg.Mock)
	assert.Equal(t, ftms.CharUUIDFTMSControlPoint, cfg.Treadmill.ControlPointUUID)
	assert.Equal(t, "legacy", cfg.Treadmill.SpeedProfile)
	assert.Equal(t, 5, cfg.Treadmill.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Treadmill.RetryBackoff)
	assert.Equal(t, 5*time.Second, cfg.Treadmill.CommandTimeout)
	assert.Equal(t, time.Second, cfg.Peripheral.NotifyPeriod)
	assert.True(t, cfg.Peripheral.Enabled)
	assert.Equal(t, 12.0, cfg.Limits.SpeedRed)
	assert.Equal(t, 140, cfg.Limits.BpmRed)
	assert.Equal(t, "@every 5m", cfg.Database.SyncSchedule)
	assert.Equal(t, "treadmill", cfg.Redis.Prefix)
	assert.Equal(t, ":5000", cfg.HTTP.Addr)
	assert.Equal(t, 16.0, cfg.HTTP.MaxSpeedKmh)
	assert.True(t, cfg.Dashboard)
}

func TestLoad_RequiresAddress(t *testing.T) {
	_, err := Load(nil)
	assert.ErrorContains(t, err, "treadmill.address is required")
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := Load([]string{
		"--address", "AA:BB:CC:DD:EE:FF",
		"--speed-profile", "ftms",
		"--request-control",
		"--db", "/tmp/x.db",
		"--dashboard=false",
		"--http-addr", "127.0.0.1:8080",
	})
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.Treadmill.Address)
	assert.Equal(t, "ftms", cfg.Treadmill.SpeedProfile)
	assert.True(t, cfg.Treadmill.RequestControl)
	assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
	assert.False(t, cfg.Dashboard)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TREADMILL_TREADMILL_ADDRESS", "11:22:33:44:55:66")
	t.Setenv("TREADMILL_TREADMILL_RETRY_BACKOFF", "750ms")
	t.Setenv("TREADMILL_REDIS_ADDR", "redis:6379")
	t.Setenv("TREADMILL_LIMITS_BPM_RED", "165")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "11:22:33:44:55:66", cfg.Treadmill.Address)
	assert.Equal(t, 750*time.Millisecond, cfg.Treadmill.RetryBackoff)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 165, cfg.Limits.BpmRed)
}

func TestLoad_FlagBeatsEnv(t *testing.T) {
	t.Setenv("TREADMILL_TREADMILL_ADDRESS", "11:22:33:44:55:66")
	cfg, err := Load([]string{"--address", "AA:AA:AA:AA:AA:AA"})
	require.NoError(t, err)
	assert.Equal(t, "AA:AA:AA:AA:AA:AA", cfg.Treadmill.Address)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	content := `
treadmill:
  address: "C1:C2:C3:C4:C5:C6"
  max_retries: 9
peripheral:
  local_name: "Gym Treadmill"
  notify_period: 500ms
limits:
  speed_yellow: 9
  speed_red: 11
redis:
  shutdown_topic: "kiosk/power"
  shutdown_message: "off"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, "C1:C2:C3:C4:C5:C6", cfg.Treadmill.Address)
	assert.Equal(t, 9, cfg.Treadmill.MaxRetries)
	assert.Equal(t, "Gym Treadmill", cfg.Peripheral.LocalName)
	assert.Equal(t, 500*time.Millisecond, cfg.Peripheral.NotifyPeriod)
	assert.Equal(t, 9.0, cfg.Limits.SpeedYellow)
	assert.Equal(t, 11.0, cfg.Limits.SpeedRed)
	assert.Equal(t, 140, cfg.Limits.BpmRed)
	assert.Equal(t, "off", cfg.Redis.ShutdownMessage)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")})
	assert.ErrorContains(t, err, "read config")
}

func TestLoad_UnknownFlag(t *testing.T) {
	_, err := Load([]string{"--mock", "--bogus"})
	assert.Error(t, err)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg, err := Load([]string{"--mock"})
	require.NoError(t, err)

	cfg.Treadmill.SpeedProfile = "turbo"
	cfg.Treadmill.ControlPointUUID = "not-a-uuid"
	cfg.Treadmill.MaxRetries = 0
	cfg.Limits.BpmYellow = 200
	cfg.Database.SyncSchedule = "sometimes"
	cfg.Database.Timezone = "Mars/Olympus"

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"speed_profile",
		"control_point_uuid",
		"max_retries",
		"bpm_yellow",
		"sync_schedule",
		"timezone",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestDatabaseLocation(t *testing.T) {
	loc, err := DatabaseConfig{}.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	loc, err = DatabaseConfig{Timezone: "UTC"}.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}
