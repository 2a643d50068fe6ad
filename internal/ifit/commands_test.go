package ifit

import (
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeControl_Speed550(t *testing.T) {
	cmd := EncodeControl(bridge.ControlSpeed, 550)
	require.Len(t, cmd, 13)
	assert.Equal(t, decodeHex(t, "02040209040902010126020039"), cmd)

	var sum int
	for _, b := range cmd[4 : len(cmd)-1] {
		sum += int(b)
	}
	assert.Equal(t, byte(sum&0xFF), cmd[len(cmd)-1])
}

func TestEncodeControl_Deterministic(t *testing.T) {
	assert.Equal(t, EncodeControl(bridge.ControlIncline, 150), EncodeControl(bridge.ControlIncline, 150))
}

func TestEncodeControl_NegativeIncline(t *testing.T) {
	cmd := EncodeControl(bridge.ControlIncline, -30)
	assert.Equal(t, byte(0x02), cmd[8])
	// -30 as two's complement uint16 is 0xFFE2
	assert.Equal(t, byte(0xE2), cmd[9])
	assert.Equal(t, byte(0xFF), cmd[10])
	assert.Equal(t, byte(0x00), cmd[11])
}

func TestHandshakeScript(t *testing.T) {
	steps := HandshakeScript(2 * time.Second)
	require.Len(t, steps, 9)

	assert.Equal(t, "CMD_1", steps[0].Name)
	assert.Equal(t, "CMD_9", steps[8].Name)
	assert.Equal(t, decodeHex(t, "0204020402048187"), steps[0].Payload)
	assert.Len(t, steps[6].Payload, 44)

	expected := []time.Duration{
		100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond,
		100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond,
		500 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second,
	}
	for i, step := range steps {
		assert.Equal(t, expected[i], step.Delay, "step %s", step.Name)
	}

	assert.Equal(t, time.Second, HandshakeScript(time.Second)[8].Delay)
}

func TestPollCommand_ReturnsCopy(t *testing.T) {
	p := PollCommand()
	require.Len(t, p, 20)
	p[0] = 0x99
	assert.Equal(t, byte(0x02), PollCommand()[0])
}
