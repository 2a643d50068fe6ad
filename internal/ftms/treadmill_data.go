package ftms

import (
	"encoding/binary"
	"math"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
)

const maxUint24 = 1<<24 - 1

// EncodeTreadmillData builds one Treadmill Data notification from the
// current telemetry. Counters that do not fit their field saturate
func EncodeTreadmillData(t bridge.Telemetry) []byte {
	buf := make([]byte, TreadmillDataLen)
	binary.LittleEndian.PutUint16(buf[0:], TreadmillDataFlags)
	binary.LittleEndian.PutUint16(buf[2:], clampUint16(math.Round(t.SpeedKph*100)))

	distance := t.DistanceM
	if distance > maxUint24 {
		distance = maxUint24
	}
	buf[4] = byte(distance)
	buf[5] = byte(distance >> 8)
	buf[6] = byte(distance >> 16)

	binary.LittleEndian.PutUint16(buf[7:], uint16(clampInt16(math.Round(t.InclinePct*10))))
	// ramp angle stays zero at buf[9:11]
	binary.LittleEndian.PutUint16(buf[11:], saturate16(t.Calories))
	// energy per hour and per minute not available
	buf[13], buf[14], buf[15] = 0xFF, 0xFF, 0xFF
	binary.LittleEndian.PutUint16(buf[16:], saturate16(t.ElapsedTimeS))
	return buf
}

func saturate16(v uint32) uint16 {
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

func clampUint16(v float64) uint16 {
	switch {
	case v <= 0:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}

func clampInt16(v float64) int16 {
	switch {
	case v <= math.MinInt16:
		return math.MinInt16
	case v >= math.MaxInt16:
		return math.MaxInt16
	}
	return int16(v)
}
