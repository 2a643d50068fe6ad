package config

import (
	"fmt"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/ftms"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/ifit"
)

const (
	// ProfileESP32 matches the microcontroller bridge: absolute counters,
	// data notified on every interval
	ProfileESP32 = "esp32"
	// ProfilePython matches the desktop bridge: counters relative to the
	// connection, distance integration, stall detection and notify dedupe
	ProfilePython = "python"
)

// ForProfile returns the client and server settings of a named profile
func ForProfile(name string) (ifit.ClientConfig, ftms.ServerConfig, error) {
	client := ifit.DefaultClientConfig()
	server := ftms.DefaultServerConfig()

	switch name {
	case ProfileESP32:
	case ProfilePython:
		client.HandshakeFinalDelay = time.Second
		client.MinTelemetryLen = 30
		client.Tracker = ifit.TrackerOptions{RelativeCounters: true, DistanceFallback: true}
		client.TelemetryStallTimeout = 5 * time.Second

		server.Appearance = ftms.AppearanceTreadmill
		server.NotifyDedupeWindow = 5 * time.Second
		server.ExtendedControl = true
	default:
		return ifit.ClientConfig{}, ftms.ServerConfig{}, fmt.Errorf("unknown profile %q (esp32 or python)", name)
	}
	return client, server, nil
}
