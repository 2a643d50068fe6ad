package ftms

// Fitness Machine Service and Device Information Service UUIDs
const (
	ServiceUUIDFTMS          = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDTreadmillData    = "00002acd-0000-1000-8000-00805f9b34fb"
	CharUUIDFeature          = "00002acc-0000-1000-8000-00805f9b34fb"
	CharUUIDControlPoint     = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDStatus           = "00002ada-0000-1000-8000-00805f9b34fb"
	CharUUIDTrainingStatus   = "00002ad3-0000-1000-8000-00805f9b34fb"
	CharUUIDSpeedRange       = "00002ad4-0000-1000-8000-00805f9b34fb"
	CharUUIDInclinationRange = "00002ad5-0000-1000-8000-00805f9b34fb"

	ServiceUUIDDeviceInformation = "0000180a-0000-1000-8000-00805f9b34fb"
	CharUUIDManufacturerName     = "00002a29-0000-1000-8000-00805f9b34fb"
	CharUUIDModelNumber          = "00002a24-0000-1000-8000-00805f9b34fb"
	CharUUIDSerialNumber         = "00002a25-0000-1000-8000-00805f9b34fb"
	CharUUIDFirmwareRevision     = "00002a26-0000-1000-8000-00805f9b34fb"
)

// Control Point op codes handled by the server
const (
	OpCodeRequestControl       byte = 0x00
	OpCodeSetTargetSpeed       byte = 0x02
	OpCodeSetTargetInclination byte = 0x03
	OpCodeStartOrResume        byte = 0x07
	OpCodeStopOrPause          byte = 0x08
	OpCodeResponseCode         byte = 0x80
)

const ResultSuccess byte = 0x01

// Fitness Machine Status op codes
const (
	StatusStoppedOrPaused          byte = 0x02
	StatusStartedOrResumed         byte = 0x04
	StatusTargetSpeedChanged       byte = 0x05
	StatusTargetInclinationChanged byte = 0x06
	StatusStopParameterStop        byte = 0x01
)

// GAP appearance values
const (
	AppearanceRunningWalking uint16 = 0x0540
	AppearanceTreadmill      uint16 = 0x0544
)

// Treadmill Data flags: total distance, inclination, expended energy and
// elapsed time present; instantaneous speed is implied by bit 0 clear
const TreadmillDataFlags uint16 = 0x048C

// TreadmillDataLen is the encoded size of one Treadmill Data notification
const TreadmillDataLen = 18
