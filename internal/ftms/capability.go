package ftms

import "encoding/binary"

// Range is a supported setting range as published on the range characteristics
type Range struct {
	Min  int16
	Max  int16
	Step uint16
}

// CapabilityProfile is what the server advertises about the machine. It is
// read once when the GATT table is registered
type CapabilityProfile struct {
	Features     [8]byte
	SpeedRange   Range // 0.01 km/h
	InclineRange Range // 0.1 %
}

// DefaultCapabilityProfile declares speed and inclination targets with
// total distance, inclination, expended energy and elapsed time data
func DefaultCapabilityProfile() CapabilityProfile {
	return CapabilityProfile{
		Features:     [8]byte{0x22, 0x01, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00},
		SpeedRange:   Range{Min: 100, Max: 2000, Step: 10},
		InclineRange: Range{Min: -60, Max: 150, Step: 10},
	}
}

func (p CapabilityProfile) EncodeFeature() []byte {
	out := make([]byte, len(p.Features))
	copy(out, p.Features[:])
	return out
}

// EncodeSpeedRange writes min, max and step as uint16 little endian
func (p CapabilityProfile) EncodeSpeedRange() []byte {
	out := make([]byte, 6)
	binary.LittleEndian.PutUint16(out[0:], uint16(p.SpeedRange.Min))
	binary.LittleEndian.PutUint16(out[2:], uint16(p.SpeedRange.Max))
	binary.LittleEndian.PutUint16(out[4:], p.SpeedRange.Step)
	return out
}

// EncodeInclineRange writes min and max as sint16 and step as uint16
func (p CapabilityProfile) EncodeInclineRange() []byte {
	out := make([]byte, 6)
	binary.LittleEndian.PutUint16(out[0:], uint16(p.InclineRange.Min))
	binary.LittleEndian.PutUint16(out[2:], uint16(p.InclineRange.Max))
	binary.LittleEndian.PutUint16(out[4:], p.InclineRange.Step)
	return out
}

// TrainingStatusIdle is the initial Training Status value: flags 0, status idle
func TrainingStatusIdle() []byte {
	return []byte{0x00, 0x01}
}

// DeviceInfo fills the Device Information Service
type DeviceInfo struct {
	Manufacturer string
	Model        string
	Firmware     string
	Serial       string
}

func DefaultDeviceInfo() DeviceInfo {
	return DeviceInfo{
		Manufacturer: "iFit Bridge",
		Model:        "Loma-1",
		Firmware:     "1.0.0",
		Serial:       "123456789",
	}
}
