package ftms

import (
	"encoding/binary"
	"math"
)

// EncodeSetTargetSpeed builds the control point write an app sends for a
// target speed in km/h
func EncodeSetTargetSpeed(kph float64) []byte {
	out := []byte{OpCodeSetTargetSpeed, 0, 0}
	binary.LittleEndian.PutUint16(out[1:], clampUint16(math.Round(kph*100)))
	return out
}

// EncodeSetTargetInclination builds the control point write for a target
// incline in percent
func EncodeSetTargetInclination(pct float64) []byte {
	out := []byte{OpCodeSetTargetInclination, 0, 0}
	binary.LittleEndian.PutUint16(out[1:], uint16(clampInt16(math.Round(pct*10))))
	return out
}
