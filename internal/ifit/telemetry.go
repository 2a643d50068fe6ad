package ifit

import (
	"encoding/binary"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
)

const (
	speedOffset    = 8
	inclineOffset  = 10
	elapsedOffset  = 27
	caloriesOffset = 31
	distanceOffset = 42

	// CaloriesDivisor converts the raw calorie counter to kcal
	CaloriesDivisor = 97656

	distanceFallbackMaxGap = 2 * time.Second
)

// RawTelemetry holds the undecoded counters of one telemetry payload.
// Each Has flag is false when the payload is too short for that field.
type RawTelemetry struct {
	Speed       uint16
	Incline     uint16
	Elapsed     uint32
	Calories    uint32
	Distance    uint32
	HasSpeed    bool
	HasIncline  bool
	HasElapsed  bool
	HasCalories bool
	HasDistance bool
}

func readU16(b []byte, off int) (uint16, bool) {
	if len(b) < off+2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b[off:]), true
}

func readU32(b []byte, off int) (uint32, bool) {
	if len(b) < off+4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[off:]), true
}

// ParseTelemetry reads every field that fits in payload
func ParseTelemetry(payload []byte) RawTelemetry {
	var r RawTelemetry
	r.Speed, r.HasSpeed = readU16(payload, speedOffset)
	r.Incline, r.HasIncline = readU16(payload, inclineOffset)
	r.Elapsed, r.HasElapsed = readU32(payload, elapsedOffset)
	r.Calories, r.HasCalories = readU32(payload, caloriesOffset)
	r.Distance, r.HasDistance = readU32(payload, distanceOffset)
	return r
}

// AcceptTelemetry reports whether payload is a telemetry response worth
// decoding under the given minimum length
func AcceptTelemetry(payload []byte, minLen int) bool {
	if len(payload) < 4 || len(payload) < minLen {
		return false
	}
	return payload[3] == TelemetryTag
}

// DecodeTelemetry applies the absolute values found in payload on top of
// current. Fields the payload is too short for keep their current value.
func DecodeTelemetry(payload []byte, current bridge.Telemetry) bridge.Telemetry {
	r := ParseTelemetry(payload)
	out := current
	if r.HasSpeed {
		out.SpeedKph = float64(r.Speed) / 100
	}
	if r.HasIncline {
		out.InclinePct = float64(r.Incline) / 100
	}
	if r.HasElapsed {
		out.ElapsedTimeS = r.Elapsed
	}
	if r.HasCalories {
		out.Calories = r.Calories / CaloriesDivisor
	}
	if r.HasDistance {
		out.DistanceM = r.Distance / 100
	}
	return out
}

// TrackerOptions selects the per-connection counter behaviour
type TrackerOptions struct {
	// RelativeCounters reports elapsed time and calories relative to the
	// first value seen on the connection
	RelativeCounters bool
	// DistanceFallback integrates speed over time while the treadmill
	// reports zero distance
	DistanceFallback bool
}

// TelemetryTracker decodes successive payloads of one connection
type TelemetryTracker struct {
	opts TrackerOptions

	hasElapsedBase  bool
	elapsedBase     uint32
	hasCaloriesBase bool
	caloriesBase    uint32

	distanceM    float64
	lastCalcTime time.Time
}

func NewTelemetryTracker(opts TrackerOptions) *TelemetryTracker {
	return &TelemetryTracker{opts: opts}
}

// Reset forgets baselines and integrated distance; call on every new link
func (t *TelemetryTracker) Reset() {
	t.hasElapsedBase = false
	t.elapsedBase = 0
	t.hasCaloriesBase = false
	t.caloriesBase = 0
	t.distanceM = 0
	t.lastCalcTime = time.Time{}
}

// Apply decodes payload received at now on top of current
func (t *TelemetryTracker) Apply(payload []byte, current bridge.Telemetry, now time.Time) bridge.Telemetry {
	if !t.opts.RelativeCounters && !t.opts.DistanceFallback {
		return DecodeTelemetry(payload, current)
	}

	r := ParseTelemetry(payload)
	out := current
	if r.HasSpeed {
		out.SpeedKph = float64(r.Speed) / 100
	}
	if r.HasIncline {
		out.InclinePct = float64(r.Incline) / 100
	}

	if r.HasDistance {
		out.DistanceM = t.distance(r.Distance, out.SpeedKph, now)
	}

	if r.HasElapsed {
		if t.opts.RelativeCounters {
			if !t.hasElapsedBase || r.Elapsed < t.elapsedBase {
				t.elapsedBase = r.Elapsed
				t.hasElapsedBase = true
			}
			out.ElapsedTimeS = r.Elapsed - t.elapsedBase
		} else {
			out.ElapsedTimeS = r.Elapsed
		}
	}

	if r.HasCalories {
		if t.opts.RelativeCounters {
			if !t.hasCaloriesBase || r.Calories < t.caloriesBase {
				t.caloriesBase = r.Calories
				t.hasCaloriesBase = true
			}
			out.Calories = (r.Calories - t.caloriesBase) / CaloriesDivisor
		} else {
			out.Calories = r.Calories / CaloriesDivisor
		}
	}
	return out
}

func (t *TelemetryTracker) distance(raw uint32, speedKph float64, now time.Time) uint32 {
	reported := raw / 100
	if !t.opts.DistanceFallback || raw > 0 {
		t.distanceM = float64(raw) / 100
		return reported
	}

	if !t.lastCalcTime.IsZero() {
		dt := now.Sub(t.lastCalcTime)
		if dt > 0 && dt < distanceFallbackMaxGap {
			t.distanceM += speedKph * 1000 / 3600 * dt.Seconds()
		}
	}
	t.lastCalcTime = now
	return uint32(t.distanceM)
}
