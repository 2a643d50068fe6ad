package display

import (
	"io"
	"log"
	"testing"

	"github.com/rivo/tview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/ftms"
)

func newTestDashboard(control func([]byte), onQuit func()) *Dashboard {
	return NewDashboard(DashboardArgs{
		App:     tview.NewApplication(),
		Logs:    NewLogBuffer(),
		Control: control,
		OnQuit:  onQuit,
		Logger:  log.New(io.Discard, "", 0),
	})
}

func TestDashboard_NudgeUsesLastSnapshot(t *testing.T) {
	var writes [][]byte
	d := newTestDashboard(func(v []byte) { writes = append(writes, v) }, nil)

	// not running yet: Render only records the snapshot
	d.Render(linkedSnapshot)

	d.nudgeSpeed(speedStepKph)
	d.nudgeIncline(-inclineStepPct)
	require.Len(t, writes, 2)
	assert.Equal(t, ftms.EncodeSetTargetSpeed(10.5), writes[0])
	assert.Equal(t, ftms.EncodeSetTargetInclination(2.0), writes[1])
}

func TestDashboard_SpeedNeverNegative(t *testing.T) {
	var writes [][]byte
	d := newTestDashboard(func(v []byte) { writes = append(writes, v) }, nil)
	d.nudgeSpeed(-speedStepKph)
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{ftms.OpCodeSetTargetSpeed, 0, 0}, writes[0])
}

func TestDashboard_Quit(t *testing.T) {
	quit := false
	d := newTestDashboard(nil, func() { quit = true })
	d.quit()
	assert.True(t, quit)
	// without a control sink key presses are no-ops
	d.nudgeSpeed(1)
}

func TestDashboardText(t *testing.T) {
	assert.Contains(t, metricsText(bridge.Snapshot{}), "Waiting for the treadmill")

	metrics := metricsText(linkedSnapshot)
	assert.Contains(t, metrics, "10.0[white] km/h")
	assert.Contains(t, metrics, "1.61[white] km")
	assert.Contains(t, metrics, "01:01:01")

	snap := linkedSnapshot
	snap.Treadmill = bridge.TreadmillLink{Name: "I_TL", Address: "AA"}
	snap.Advertising = true
	link := linkText(snap)
	assert.Contains(t, link, "I_TL")
	assert.Contains(t, link, "advertising")

	snap.ConnectedToTreadmill = false
	snap.ClientPhase = "Scanning"
	assert.Contains(t, linkText(snap), "Scanning")

	snap.HasPendingControl = true
	snap.PendingControl = bridge.PendingControl{Kind: bridge.ControlSpeed, Value: 550}
	assert.Contains(t, controlsText(snap), "Speed 550")
}
