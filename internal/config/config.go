package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/ftms"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/ifit"
)

const EnvPrefix = "TREADMILL_BRIDGE"

const (
	UIDashboard = "dashboard"
	UIStatus    = "status"
	UINone      = "none"
)

type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Debug      bool
}

type DisplayConfig struct {
	UI                string
	RenderInterval    time.Duration
	HeartbeatInterval time.Duration
}

// Config is the fully resolved runtime configuration
type Config struct {
	Profile         string
	Mock            bool
	MockHTTPAddr    string
	HTTPAddr        string
	KnownDeviceFile string
	Log             LogConfig
	Display         DisplayConfig
	IFit            ifit.ClientConfig
	FTMS            ftms.ServerConfig
}

// flag name -> viper key
var flagKeys = map[string]string{
	"config":             "config",
	"profile":            "profile",
	"mock":               "mock",
	"mock-http":          "mock_http",
	"http":               "http",
	"ui":                 "display.ui",
	"render-interval":    "display.render_interval",
	"heartbeat-interval": "display.heartbeat_interval",
	"log-file":           "log.file",
	"log-max-size":       "log.max_size_mb",
	"log-max-backups":    "log.max_backups",
	"log-max-age":        "log.max_age_days",
	"debug":              "log.debug",
	"device-name":        "ifit.device_name",
	"known-device-file":  "ifit.known_device_file",
	"scan-interval":      "ifit.scan_interval",
	"handshake-delay":    "ifit.handshake_final_delay",
	"stall-timeout":      "ifit.stall_timeout",
	"idle-disconnect":    "ifit.idle_disconnect",
	"server-name":        "ftms.server_name",
	"notify-interval":    "ftms.notify_interval",
	"dedupe-window":      "ftms.dedupe_window",
	"extended-control":   "ftms.extended_control",
}

// NewFlagSet declares every command line flag
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("profile", ProfileESP32, "build profile: esp32 or python")
	fs.Bool("mock", false, "run against a simulated treadmill and a logging peripheral")
	fs.String("mock-http", "127.0.0.1:9901", "mock control panel listen address (empty disables)")
	fs.String("http", "", "status API listen address, e.g. :8080 (empty disables)")
	fs.String("ui", UIStatus, "display: dashboard, status or none")
	fs.Duration("render-interval", 250*time.Millisecond, "display refresh period")
	fs.Duration("heartbeat-interval", 2*time.Second, "status log period")
	fs.String("log-file", "treadmill-bridge.log", "rotating log file (empty disables)")
	fs.Int("log-max-size", 10, "log file size in MB before rotation")
	fs.Int("log-max-backups", 3, "rotated log files to keep")
	fs.Int("log-max-age", 28, "days to keep rotated log files")
	fs.Bool("debug", false, "hex dump every chunk sent and received")
	fs.String("device-name", "", "treadmill advertised name (profile default I_TL)")
	fs.String("known-device-file", ifit.DefaultKnownDevicePath(), "where the last treadmill is remembered (empty keeps it in memory)")
	fs.Duration("scan-interval", 0, "pause between scans (profile default)")
	fs.Duration("handshake-delay", 0, "wait after the last handshake command (profile default)")
	fs.Duration("stall-timeout", 0, "reconnect when no telemetry arrives for this long (profile default)")
	fs.Duration("idle-disconnect", 0, "release the treadmill when no app is connected for this long (0 never)")
	fs.String("server-name", "", "FTMS advertised name (profile default mytm)")
	fs.Duration("notify-interval", 0, "treadmill data notify period (profile default)")
	fs.Duration("dedupe-window", 0, "skip identical data notifications within this window (profile default)")
	fs.Bool("extended-control", false, "answer start and stop control point requests (profile default)")
	return fs
}

// Load parses args, then layers config file, environment and flags over the
// selected profile
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	for flagName, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flagName, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	profile := strings.ToLower(v.GetString("profile"))
	clientCfg, serverCfg, err := ForProfile(profile)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Profile:         profile,
		Mock:            v.GetBool("mock"),
		MockHTTPAddr:    v.GetString("mock_http"),
		HTTPAddr:        v.GetString("http"),
		KnownDeviceFile: v.GetString("ifit.known_device_file"),
		Log: LogConfig{
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			Debug:      v.GetBool("log.debug"),
		},
		Display: DisplayConfig{
			UI:                strings.ToLower(v.GetString("display.ui")),
			RenderInterval:    v.GetDuration("display.render_interval"),
			HeartbeatInterval: v.GetDuration("display.heartbeat_interval"),
		},
		IFit: clientCfg,
		FTMS: serverCfg,
	}

	// profile values are only replaced when explicitly set
	if v.IsSet("ifit.device_name") {
		cfg.IFit.DeviceName = v.GetString("ifit.device_name")
	}
	if v.IsSet("ifit.scan_interval") {
		cfg.IFit.ScanInterval = v.GetDuration("ifit.scan_interval")
	}
	if v.IsSet("ifit.handshake_final_delay") {
		cfg.IFit.HandshakeFinalDelay = v.GetDuration("ifit.handshake_final_delay")
	}
	if v.IsSet("ifit.stall_timeout") {
		cfg.IFit.TelemetryStallTimeout = v.GetDuration("ifit.stall_timeout")
	}
	if v.IsSet("ifit.idle_disconnect") {
		cfg.IFit.IdleDisconnect = v.GetDuration("ifit.idle_disconnect")
	}
	if v.IsSet("ftms.server_name") {
		cfg.FTMS.Name = v.GetString("ftms.server_name")
	}
	if v.IsSet("ftms.notify_interval") {
		cfg.FTMS.NotifyInterval = v.GetDuration("ftms.notify_interval")
	}
	if v.IsSet("ftms.dedupe_window") {
		cfg.FTMS.NotifyDedupeWindow = v.GetDuration("ftms.dedupe_window")
	}
	if v.IsSet("ftms.extended_control") {
		cfg.FTMS.ExtendedControl = v.GetBool("ftms.extended_control")
	}
	cfg.IFit.Debug = cfg.Log.Debug

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Display.UI {
	case UIDashboard, UIStatus, UINone:
	default:
		return fmt.Errorf("unknown ui %q (dashboard, status or none)", c.Display.UI)
	}
	if c.IFit.DeviceName == "" {
		return fmt.Errorf("device name cannot be empty")
	}
	if c.FTMS.Name == "" {
		return fmt.Errorf("server name cannot be empty")
	}
	if c.FTMS.NotifyInterval <= 0 {
		return fmt.Errorf("notify interval must be positive, got %v", c.FTMS.NotifyInterval)
	}
	if c.IFit.ScanInterval <= 0 {
		return fmt.Errorf("scan interval must be positive, got %v", c.IFit.ScanInterval)
	}
	if c.Display.RenderInterval <= 0 {
		return fmt.Errorf("render interval must be positive, got %v", c.Display.RenderInterval)
	}
	return nil
}
