package display

import (
	"fmt"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
)

const (
	milesPerKm    = 0.621371
	metersPerMile = 1609.34
)

func kphToMph(kph float64) float64 {
	return kph * milesPerKm
}

func metersToMiles(m uint32) float64 {
	return float64(m) / 1000 * milesPerKm
}

func formatHMS(totalSeconds uint32) string {
	h := totalSeconds / 3600
	m := (totalSeconds % 3600) / 60
	s := totalSeconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatStatusLine renders the one-line console status, imperial units
func FormatStatusLine(snap bridge.Snapshot) string {
	link := "Searching..."
	if snap.ConnectedToTreadmill {
		link = "Linked"
	}
	t := snap.Telemetry
	return fmt.Sprintf("[%s] Spd: %.1fmph | Inc: %.1f%% | Dist: %.2fmi | Time: %s | Cal: %d",
		link,
		kphToMph(t.SpeedKph),
		t.InclinePct,
		metersToMiles(t.DistanceM),
		formatHMS(t.ElapsedTimeS),
		t.Calories,
	)
}

// FormatHeartbeat renders the periodic log line
func FormatHeartbeat(snap bridge.Snapshot) string {
	if !snap.ConnectedToTreadmill {
		return "Status: Scanning for iFit Treadmill..."
	}
	t := snap.Telemetry
	return fmt.Sprintf("Status: Connected | Spd: %.1f MPH | Inc: %.1f%% | Time: %s | Dist: %.2f mi | Cal: %d",
		kphToMph(t.SpeedKph),
		t.InclinePct,
		formatHMS(t.ElapsedTimeS),
		float64(t.DistanceM)/metersPerMile,
		t.Calories,
	)
}
