package bt

import (
	"io"
	"log"
	"testing"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

type fakeConnectionSource struct {
	event *events.CallbackEvent[ConnectionEvent]
}

func newFakeConnectionSource() *fakeConnectionSource {
	return &fakeConnectionSource{event: events.NewCallbackEvent[ConnectionEvent](false)}
}

func (f *fakeConnectionSource) ListenToPeerConnections(callback func(ConnectionEvent)) func() {
	return f.event.Listen(callback)
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestNewBTPeripheral_PanicsOnNilLogger(t *testing.T) {
	assert.PanicsWithValue(t, "BTPeripheral: logger cannot be nil", func() {
		NewBTPeripheral(bluetooth.DefaultAdapter, newFakeConnectionSource(), nil)
	})
}

func TestBTPeripheral_TracksPeerConnections(t *testing.T) {
	source := newFakeConnectionSource()
	p := NewBTPeripheral(bluetooth.DefaultAdapter, source, testLogger())

	var seen []ConnectionEvent
	unregister := p.ListenToConnections(func(ev ConnectionEvent) {
		seen = append(seen, ev)
	})
	defer unregister()

	source.event.Notify(ConnectionEvent{Address: "11:22:33:44:55:66", Connected: true})
	assert.Equal(t, 1, p.ConnectedCount())
	assert.False(t, p.IsAdvertising())

	// duplicate connect for the same peer does not double count
	source.event.Notify(ConnectionEvent{Address: "11:22:33:44:55:66", Connected: true})
	assert.Equal(t, 1, p.ConnectedCount())

	source.event.Notify(ConnectionEvent{Address: "11:22:33:44:55:66", Connected: false})
	assert.Equal(t, 0, p.ConnectedCount())

	require.Len(t, seen, 3)
	assert.False(t, seen[2].Connected)
}

func TestBTPeripheral_NotifyUnknownCharacteristic(t *testing.T) {
	p := NewBTPeripheral(bluetooth.DefaultAdapter, newFakeConnectionSource(), testLogger())
	err := p.Notify("00002acd-0000-1000-8000-00805f9b34fb", []byte{0x01})
	assert.ErrorIs(t, err, ErrCharacteristicNotFound)
}

func TestBTPeripheral_StartAdvertisingRequiresConfiguration(t *testing.T) {
	p := NewBTPeripheral(bluetooth.DefaultAdapter, newFakeConnectionSource(), testLogger())
	assert.Error(t, p.StartAdvertising())
	assert.False(t, p.IsAdvertising())
	// stopping while idle is a no-op
	assert.NoError(t, p.StopAdvertising())
}

func TestPermissions(t *testing.T) {
	flags := permissions(GATTCharacteristic{Write: true, Indicate: true})
	assert.Equal(t, bluetooth.CharacteristicWritePermission|bluetooth.CharacteristicIndicatePermission, flags)

	flags = permissions(GATTCharacteristic{Read: true, Notify: true})
	assert.Equal(t, bluetooth.CharacteristicReadPermission|bluetooth.CharacteristicNotifyPermission, flags)
}
