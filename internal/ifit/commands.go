package ifit

import (
	"encoding/hex"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
)

// TelemetryTag marks a telemetry response at payload offset 3
const TelemetryTag byte = 0x2F

// HandshakeStep is one opaque command of the connection handshake
type HandshakeStep struct {
	Name    string
	Payload []byte
	Delay   time.Duration
}

var (
	pollCommand = mustHex("02040210041002000A13943300104010008018F2")

	handshakePayloads = []string{
		"0204020402048187",
		"0204020404048088",
		"0204020404048890",
		"020402070207820000008B",
		"0204020602068400008C",
		"020402040204959B",
		"0204022804289007018D68492815F0E9C0BDA89988756079704D484948757069609D88B9A8D5C0A0020000AD",
		"020402150415020E000000000000000000000000001001003A",
		"020402130413020C0000000000000000000000800000A5",
	}

	controlPrefix = []byte{0x02, 0x04, 0x02, 0x09, 0x04, 0x09, 0x02, 0x01}
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// PollCommand returns a copy of the keep-alive / telemetry request
func PollCommand() []byte {
	out := make([]byte, len(pollCommand))
	copy(out, pollCommand)
	return out
}

// HandshakeScript returns the nine handshake steps in order. Steps 7 and 8
// wait 500 ms, step 9 waits finalDelay, the rest wait 100 ms.
func HandshakeScript(finalDelay time.Duration) []HandshakeStep {
	steps := make([]HandshakeStep, 0, len(handshakePayloads))
	for i, h := range handshakePayloads {
		delay := 100 * time.Millisecond
		switch i {
		case 6, 7:
			delay = 500 * time.Millisecond
		case 8:
			delay = finalDelay
		}
		steps = append(steps, HandshakeStep{
			Name:    "CMD_" + string(rune('1'+i)),
			Payload: mustHex(h),
			Delay:   delay,
		})
	}
	return steps
}

// EncodeControl builds the 13 byte speed / incline command. The value is
// sent as its two's complement uint16.
func EncodeControl(kind bridge.ControlKind, value int16) []byte {
	raw := uint16(value)
	cmd := make([]byte, 0, len(controlPrefix)+5)
	cmd = append(cmd, controlPrefix...)
	cmd = append(cmd, byte(kind), byte(raw), byte(raw>>8), 0x00)
	cmd = append(cmd, checksum(cmd[4:]))
	return cmd
}

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}
