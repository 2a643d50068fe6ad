package mock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bt"
)

const (
	testService = "00001826-0000-1000-8000-00805f9b34fb"
	testData    = "00002acd-0000-1000-8000-00805f9b34fb"
	testControl = "00002ad9-0000-1000-8000-00805f9b34fb"
	testFeature = "00002acc-0000-1000-8000-00805f9b34fb"
)

func newTestPeripheral(t *testing.T) (*Peripheral, *[][]byte) {
	t.Helper()
	p := NewPeripheral(discardLogger())
	var writes [][]byte
	require.NoError(t, p.AddService(bt.GATTService{
		UUID: testService,
		Characteristics: []bt.GATTCharacteristic{
			{UUID: testData, Notify: true},
			{UUID: testControl, Write: true, Indicate: true, OnWrite: func(v []byte) { writes = append(writes, v) }},
			{UUID: testFeature, Read: true, Value: []byte{0x01, 0x02}},
		},
	}))
	return p, &writes
}

func TestPeripheral_RegistersServices(t *testing.T) {
	p, _ := newTestPeripheral(t)
	assert.Len(t, p.Services(), 1)
	assert.Equal(t, []byte{0x01, 0x02}, p.Value(testFeature))

	err := p.AddService(bt.GATTService{UUID: testService, Characteristics: []bt.GATTCharacteristic{{UUID: testData}}})
	assert.Error(t, err, "characteristics are unique")
}

func TestPeripheral_Notify(t *testing.T) {
	p, _ := newTestPeripheral(t)

	require.NoError(t, p.Notify(testData, []byte{0xAA}))
	require.NoError(t, p.Notify(testData, []byte{0xBB}))
	assert.Equal(t, 2, p.NotifyCount(testData))
	assert.Equal(t, []byte{0xBB}, p.Value(testData))

	assert.Error(t, p.Notify(testFeature, []byte{0x00}), "read-only characteristic")
	assert.ErrorIs(t, p.Notify("00002a37-0000-1000-8000-00805f9b34fb", nil), bt.ErrCharacteristicNotFound)
}

func TestPeripheral_Advertising(t *testing.T) {
	p, _ := newTestPeripheral(t)
	assert.Error(t, p.StartAdvertising(), "needs a configured advertisement")

	require.NoError(t, p.ConfigureAdvertisement(bt.AdvertisementConfig{LocalName: "mytm", Appearance: 0x0540}))
	require.NoError(t, p.StartAdvertising())
	assert.True(t, p.IsAdvertising())
	assert.Equal(t, "mytm", p.Advertisement().LocalName)

	require.NoError(t, p.StopAdvertising())
	assert.False(t, p.IsAdvertising())
}

func TestPeripheral_AppConnections(t *testing.T) {
	p, _ := newTestPeripheral(t)
	require.NoError(t, p.ConfigureAdvertisement(bt.AdvertisementConfig{LocalName: "mytm"}))
	require.NoError(t, p.StartAdvertising())

	var events []bt.ConnectionEvent
	unlisten := p.ListenToConnections(func(ev bt.ConnectionEvent) { events = append(events, ev) })
	defer unlisten()

	p.ConnectApp(DefaultAppAddress)
	assert.Equal(t, 1, p.ConnectedCount())
	assert.False(t, p.IsAdvertising(), "advertising ends on connect")

	p.DisconnectApp(DefaultAppAddress)
	p.DisconnectApp(DefaultAppAddress)
	assert.Zero(t, p.ConnectedCount())

	assert.Equal(t, []bt.ConnectionEvent{
		{Address: DefaultAppAddress, Connected: true},
		{Address: DefaultAppAddress, Connected: false},
	}, events)
}

func TestPeripheral_WriteCharacteristic(t *testing.T) {
	p, writes := newTestPeripheral(t)

	require.NoError(t, p.WriteCharacteristic(testControl, []byte{0x00}))
	assert.Equal(t, [][]byte{{0x00}}, *writes)

	assert.Error(t, p.WriteCharacteristic(testFeature, []byte{0x00}))
	assert.ErrorIs(t, p.WriteCharacteristic("00002a37-0000-1000-8000-00805f9b34fb", nil), bt.ErrCharacteristicNotFound)
}
