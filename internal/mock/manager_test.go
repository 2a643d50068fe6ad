package mock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_ScanOnlyAfterEnable(t *testing.T) {
	tm, _ := newTestTreadmill()
	m := NewManager(discardLogger(), tm)

	m.StartScan(nil)
	assert.False(t, m.IsScanning())

	require.NoError(t, m.Enable())
	assert.Empty(t, m.GetScanDevices(), "nothing is visible until a scan runs")

	m.StartScan(nil)
	assert.True(t, m.IsScanning())
	devices := m.GetScanDevices()
	require.Len(t, devices, 1)
	assert.Equal(t, testAddress, devices[0].GetAddressString())

	require.NoError(t, m.StopScan())
	assert.False(t, m.IsScanning())
	assert.Empty(t, m.GetScanDevices())
}

func TestManager_ConnectAndDisconnect(t *testing.T) {
	tm, _ := newTestTreadmill()
	m := NewManager(discardLogger(), tm)
	require.NoError(t, m.Enable())

	require.NoError(t, m.Connect(tm))
	assert.True(t, tm.IsConnected())
	assert.Len(t, m.GetConnectedDevices(), 1)
	assert.Same(t, tm, m.GetBTDeviceByAddressString(testAddress))
	assert.Nil(t, m.GetBTDeviceByAddressString("ff:ff:ff:ff:ff:ff"))

	m.StartScan(nil)
	assert.Empty(t, m.GetScanDevices(), "a connected treadmill stops advertising")

	require.NoError(t, m.Disconnect(tm))
	assert.False(t, tm.IsConnected())
	assert.Empty(t, m.GetConnectedDevices())
}

func TestManager_PoweredOffTreadmill(t *testing.T) {
	tm, _ := newTestTreadmill()
	m := NewManager(discardLogger(), tm)
	require.NoError(t, m.Enable())
	tm.SetPoweredOn(false)

	m.StartScan(nil)
	assert.Empty(t, m.GetScanDevices())
	assert.Error(t, m.Connect(tm))
}

func TestManager_ShutdownReleasesEverything(t *testing.T) {
	tm, _ := newTestTreadmill()
	m := NewManager(discardLogger(), tm)
	require.NoError(t, m.Enable())
	require.NoError(t, m.Connect(tm))
	m.StartScan(nil)

	m.Shutdown()
	assert.False(t, m.IsScanning())
	assert.False(t, tm.IsConnected())
}
