package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/ftms"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	return Load(NewFlagSet("test"), args)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, ProfileESP32, cfg.Profile)
	assert.Equal(t, UIStatus, cfg.Display.UI)
	assert.Equal(t, 250*time.Millisecond, cfg.Display.RenderInterval)
	assert.Equal(t, "I_TL", cfg.IFit.DeviceName)
	assert.Equal(t, 2*time.Second, cfg.IFit.HandshakeFinalDelay)
	assert.Equal(t, 11, cfg.IFit.MinTelemetryLen)
	assert.Equal(t, "mytm", cfg.FTMS.Name)
	assert.Equal(t, 200*time.Millisecond, cfg.FTMS.NotifyInterval)
	assert.Equal(t, ftms.AppearanceRunningWalking, cfg.FTMS.Appearance)
	assert.Zero(t, cfg.FTMS.NotifyDedupeWindow)
	assert.False(t, cfg.FTMS.ExtendedControl)
	assert.False(t, cfg.Mock)
	assert.Equal(t, "127.0.0.1:9901", cfg.MockHTTPAddr)
	assert.Empty(t, cfg.HTTPAddr)
}

func TestLoad_PythonProfile(t *testing.T) {
	cfg, err := load(t, "--profile", "python")
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.IFit.HandshakeFinalDelay)
	assert.Equal(t, 30, cfg.IFit.MinTelemetryLen)
	assert.True(t, cfg.IFit.Tracker.RelativeCounters)
	assert.True(t, cfg.IFit.Tracker.DistanceFallback)
	assert.Equal(t, 5*time.Second, cfg.IFit.TelemetryStallTimeout)
	assert.Equal(t, 5*time.Second, cfg.FTMS.NotifyDedupeWindow)
	assert.True(t, cfg.FTMS.ExtendedControl)
	assert.Equal(t, ftms.AppearanceTreadmill, cfg.FTMS.Appearance)
}

func TestLoad_FlagsOverrideProfile(t *testing.T) {
	cfg, err := load(t,
		"--profile", "python",
		"--device-name", "I_TL2",
		"--dedupe-window", "0s",
		"--extended-control=false",
		"--notify-interval", "500ms",
		"--debug",
		"--mock",
		"--http", ":8080",
	)
	require.NoError(t, err)
	assert.Equal(t, "I_TL2", cfg.IFit.DeviceName)
	assert.Zero(t, cfg.FTMS.NotifyDedupeWindow)
	assert.False(t, cfg.FTMS.ExtendedControl)
	assert.Equal(t, 500*time.Millisecond, cfg.FTMS.NotifyInterval)
	assert.True(t, cfg.IFit.Debug)
	assert.True(t, cfg.Mock)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("TREADMILL_BRIDGE_FTMS_SERVER_NAME", "bridge")
	t.Setenv("TREADMILL_BRIDGE_PROFILE", "python")
	t.Setenv("TREADMILL_BRIDGE_IFIT_IDLE_DISCONNECT", "2m")

	cfg, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, "bridge", cfg.FTMS.Name)
	assert.Equal(t, ProfilePython, cfg.Profile)
	assert.Equal(t, 2*time.Minute, cfg.IFit.IdleDisconnect)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	content := `
profile: python
http: "127.0.0.1:9000"
display:
  ui: none
ifit:
  device_name: MY_TREAD
  scan_interval: 30s
ftms:
  notify_interval: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := load(t, "--config", path, "--ui", "dashboard")
	require.NoError(t, err)
	assert.Equal(t, ProfilePython, cfg.Profile)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTPAddr)
	assert.Equal(t, UIDashboard, cfg.Display.UI, "flags win over the file")
	assert.Equal(t, "MY_TREAD", cfg.IFit.DeviceName)
	assert.Equal(t, 30*time.Second, cfg.IFit.ScanInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.FTMS.NotifyInterval)
}

func TestLoad_Errors(t *testing.T) {
	_, err := load(t, "--profile", "arduino")
	assert.ErrorContains(t, err, "unknown profile")

	_, err = load(t, "--ui", "gui")
	assert.ErrorContains(t, err, "unknown ui")

	_, err = load(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = load(t, "--no-such-flag")
	assert.Error(t, err)
}
