package ifit

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice implements the parts of bt.BTDevice the client uses
type fakeDevice struct {
	bt.BTDevice

	mu          sync.Mutex
	name        string
	address     string
	connected   bool
	resolveErr  error
	notify      func([]byte)
	writes      [][]byte
	unsubscribe int
}

func (d *fakeDevice) GetLocalName() string     { return d.name }
func (d *fakeDevice) GetAddressString() string { return d.address }

func (d *fakeDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) setConnected(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = connected
}

func (d *fakeDevice) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	if !d.IsConnected() {
		return fmt.Errorf("timeout after %v", timeout)
	}
	return nil
}

func (d *fakeDevice) ResolveCharacteristic(serviceUuid, characteristicUuid string) error {
	return d.resolveErr
}

func (d *fakeDevice) EnableNotifications(serviceUuid, characteristicUuid string, cb func([]byte)) error {
	d.notify = cb
	return nil
}

func (d *fakeDevice) DisableNotifications(serviceUuid, characteristicUuid string) error {
	d.unsubscribe++
	return nil
}

func (d *fakeDevice) WriteCharacteristic(serviceUuid, characteristicUuid string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, append([]byte(nil), data...))
	return nil
}

func (d *fakeDevice) takeWrites() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.writes
	d.writes = nil
	return w
}

// sendPayload delivers payload as the treadmill would, chunk by chunk
func (d *fakeDevice) sendPayload(payload []byte) {
	for _, chunk := range EncodeChunks(payload) {
		d.notify(chunk)
	}
}

// fakeManager implements the parts of bt.BTManagerInterface the client uses
type fakeManager struct {
	bt.BTManagerInterface

	scanning     bool
	scanStarts   int
	scanStops    int
	scanDevices  []bt.BTDevice
	connectErr   error
	disconnected []string
}

func (m *fakeManager) IsScanning() bool { return m.scanning }

func (m *fakeManager) StartScan(filter []string) {
	m.scanning = true
	m.scanStarts++
}

func (m *fakeManager) StopScan() error {
	m.scanning = false
	m.scanStops++
	return nil
}

func (m *fakeManager) GetScanDevices() []bt.BTDevice { return m.scanDevices }

func (m *fakeManager) Connect(device bt.BTDevice) error {
	if m.connectErr != nil {
		return m.connectErr
	}
	device.(*fakeDevice).setConnected(true)
	return nil
}

func (m *fakeManager) Disconnect(device bt.BTDevice) error {
	device.(*fakeDevice).setConnected(false)
	m.disconnected = append(m.disconnected, device.GetAddressString())
	return nil
}

type clientFixture struct {
	client  *Client
	manager *fakeManager
	device  *fakeDevice
	state   *bridge.State
	clock   *bridge.FakeClock
}

func newClientFixture(t *testing.T, cfg ClientConfig) *clientFixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	f := &clientFixture{
		manager: &fakeManager{},
		device:  &fakeDevice{name: DefaultDeviceName, address: "AA:BB:CC:DD:EE:FF"},
		state:   bridge.NewState(),
		clock:   bridge.NewFakeClock(time.Unix(1_000_000, 0)),
	}
	known := NewKnownDeviceStore(filepath.Join(t.TempDir(), "known_device.json"), logger)
	f.client = NewClient(cfg, f.manager, f.state, f.clock, known, logger)
	return f
}

func (f *clientFixture) tick() {
	f.client.Tick(f.clock.Now())
}

// connect drives the client from Idle to Connected
func (f *clientFixture) connect(t *testing.T) {
	t.Helper()
	f.tick()
	require.Equal(t, StateScanning, f.client.Phase())
	f.manager.scanDevices = []bt.BTDevice{f.device}
	f.tick()
	require.Equal(t, StateDeviceFound, f.client.Phase())
	f.tick()
	require.Equal(t, StateHandshaking, f.client.Phase())
	f.tick()
	require.Equal(t, StateConnected, f.client.Phase())
	f.device.takeWrites()
	f.clock.ResetSleeps()
}

func TestNewClient_PanicsOnNilLogger(t *testing.T) {
	assert.PanicsWithValue(t, "IFitClient: logger cannot be nil", func() {
		NewClient(DefaultClientConfig(), &fakeManager{}, bridge.NewState(), bridge.SystemClock{}, nil, nil)
	})
}

func TestShouldPoll(t *testing.T) {
	now := time.Unix(500, 0)
	assert.False(t, shouldPoll(now, now.Add(-500*time.Millisecond), now.Add(-1000*time.Millisecond)))
	assert.True(t, shouldPoll(now, now.Add(-1500*time.Millisecond), now.Add(-1200*time.Millisecond)))
	assert.False(t, shouldPoll(now, now.Add(-1500*time.Millisecond), now.Add(-800*time.Millisecond)))
	assert.False(t, shouldPoll(now, now.Add(-1000*time.Millisecond), now.Add(-5*time.Second)), "exactly 1000 ms is not silence yet")
}

func TestClient_ConnectAndHandshake(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())

	f.tick()
	assert.Equal(t, StateScanning, f.client.Phase())
	assert.Equal(t, 1, f.manager.scanStarts)

	// a device with another name is not a candidate
	f.manager.scanDevices = []bt.BTDevice{&fakeDevice{name: "Other", address: "11:11:11:11:11:11"}, f.device}
	f.tick()
	assert.Equal(t, StateDeviceFound, f.client.Phase())
	assert.Equal(t, 1, f.manager.scanStops)

	f.tick()
	assert.Equal(t, StateHandshaking, f.client.Phase())
	assert.True(t, f.device.IsConnected())
	assert.NotNil(t, f.device.notify)
	assert.False(t, f.state.ConnectedToTreadmill(), "not connected until the handshake finishes")

	f.tick()
	assert.Equal(t, StateConnected, f.client.Phase())
	assert.True(t, f.state.ConnectedToTreadmill())
	assert.NotEmpty(t, f.client.SessionID())
	assert.Equal(t, f.client.SessionID(), f.state.Snapshot().Treadmill.SessionID)
	assert.Equal(t, "Connected", f.state.Snapshot().ClientPhase)

	// every handshake command went out chunked, in order
	var expected [][]byte
	for _, step := range HandshakeScript(2 * time.Second) {
		expected = append(expected, EncodeChunks(step.Payload)...)
	}
	assert.Equal(t, expected, f.device.takeWrites())

	sleeps := f.clock.Sleeps()
	require.NotEmpty(t, sleeps)
	assert.Equal(t, 2*time.Second, sleeps[len(sleeps)-1])

	known, ok := f.client.known.Get()
	require.True(t, ok)
	assert.Equal(t, f.device.address, known.Address)
}

func TestClient_TelemetryNotificationUpdatesState(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	f.connect(t)

	payload := telemetryFixture(46, telemetryFields{speed: 1200, incline: 300, elapsed: 90, distance: 25000})
	f.device.sendPayload(payload)
	f.tick()

	tel := f.state.Telemetry()
	assert.InDelta(t, 12.0, tel.SpeedKph, 1e-9)
	assert.InDelta(t, 3.0, tel.InclinePct, 1e-9)
	assert.Equal(t, uint32(90), tel.ElapsedTimeS)
	assert.Equal(t, uint32(250), tel.DistanceM)
	assert.Equal(t, f.clock.Now(), f.state.LastRx())
	assert.Empty(t, f.device.takeWrites(), "fresh telemetry suppresses the poll")
}

func TestClient_NonTelemetryPayloadIgnored(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	f.connect(t)

	payload := telemetryFixture(46, telemetryFields{speed: 1200})
	payload[3] = 0x10
	f.device.sendPayload(payload)
	f.tick()

	assert.Equal(t, bridge.Telemetry{}, f.state.Telemetry())
	assert.Equal(t, f.clock.Now(), f.state.LastRx(), "any notification counts as traffic")
}

func TestClient_PollSuppression(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	f.connect(t)

	rxAt := f.clock.Now()
	f.device.notify([]byte{0xFE, 0x02, 0x00, 0x00})
	f.tick()
	f.state.SetLastPoll(rxAt.Add(-500 * time.Millisecond))
	f.device.takeWrites()

	// 500 ms since receive, 1000 ms since the last poll: still quiet enough
	f.clock.Advance(500 * time.Millisecond)
	f.tick()
	assert.Empty(t, f.device.takeWrites())

	// 1500 ms since receive, 2000 ms since the last poll
	f.clock.Advance(1000 * time.Millisecond)
	now := f.clock.Now()
	f.tick()
	assert.Equal(t, EncodeChunks(PollCommand()), f.device.takeWrites())
	assert.Equal(t, now, f.state.LastPoll())

	// poll spacing: not again within a second
	f.clock.Advance(500 * time.Millisecond)
	f.tick()
	assert.Empty(t, f.device.takeWrites())
}

func TestClient_PendingControlHasPriority(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	f.connect(t)

	f.state.SetPendingControl(bridge.ControlSpeed, 550)
	now := f.clock.Now()
	f.tick()

	assert.Equal(t, EncodeChunks(EncodeControl(bridge.ControlSpeed, 550)), f.device.takeWrites())
	_, pending := f.state.PeekPendingControl()
	assert.False(t, pending)
	assert.Equal(t, now, f.state.LastPoll())

	// the control counted as a poll
	f.clock.Advance(500 * time.Millisecond)
	f.tick()
	assert.Empty(t, f.device.takeWrites())
}

func TestClient_PhysicalDisconnectReturnsToIdle(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	f.connect(t)

	f.device.setConnected(false)
	f.tick()

	assert.Equal(t, StateIdle, f.client.Phase())
	assert.False(t, f.state.ConnectedToTreadmill())
	assert.Empty(t, f.client.SessionID())
	assert.Equal(t, []string{f.device.address}, f.manager.disconnected)
	assert.Equal(t, 0, f.device.unsubscribe, "no unsubscribe on a dead link")
}

func TestClient_ServiceNotFound(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	f.device.resolveErr = fmt.Errorf("%w: %s", bt.ErrServiceNotFound, ServiceUUID)

	err := f.client.connect(f.device)
	assert.ErrorIs(t, err, ErrServiceNotFound)
	assert.ErrorIs(t, err, bt.ErrServiceNotFound)

	f.device.setConnected(false)
	f.tick()
	f.manager.scanDevices = []bt.BTDevice{f.device}
	f.tick()
	f.tick()
	assert.Equal(t, StateIdle, f.client.Phase())
	assert.Nil(t, f.client.candidate)
	assert.False(t, f.device.IsConnected())
}

func TestClient_ConnectErrorReturnsToIdle(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	f.manager.connectErr = fmt.Errorf("radio busy")

	f.tick()
	f.manager.scanDevices = []bt.BTDevice{f.device}
	f.tick()
	f.tick()
	assert.Equal(t, StateIdle, f.client.Phase())
	assert.False(t, f.state.ConnectedToTreadmill())
}

func TestClient_ScanTimeoutAndInterval(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())

	f.tick()
	require.Equal(t, StateScanning, f.client.Phase())

	f.clock.Advance(4 * time.Second)
	f.tick()
	assert.Equal(t, StateScanning, f.client.Phase())

	f.clock.Advance(time.Second)
	f.tick()
	assert.Equal(t, StateIdle, f.client.Phase())
	assert.False(t, f.manager.scanning)

	// next scan 10 s after the previous one started
	f.clock.Advance(4 * time.Second)
	f.tick()
	assert.Equal(t, StateIdle, f.client.Phase())
	f.clock.Advance(time.Second)
	f.tick()
	assert.Equal(t, StateScanning, f.client.Phase())
	assert.Equal(t, 2, f.manager.scanStarts)
}

func TestClient_KnownAddressMatchesWithoutName(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	f.client.known.Remember(KnownDevice{Address: "AA:BB:CC:DD:EE:FF", Name: DefaultDeviceName})
	f.device.name = ""

	f.tick()
	f.manager.scanDevices = []bt.BTDevice{f.device}
	f.tick()
	assert.Equal(t, StateDeviceFound, f.client.Phase())
}

func TestClient_TelemetryStallWatchdog(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.TelemetryStallTimeout = 5 * time.Second
	f := newClientFixture(t, cfg)
	f.connect(t)

	f.device.notify([]byte{0xFE, 0x02, 0x00, 0x00})
	f.tick()
	f.device.takeWrites()

	f.clock.Advance(4 * time.Second)
	f.tick()
	assert.Equal(t, StateConnected, f.client.Phase())

	f.clock.Advance(2 * time.Second)
	f.tick()
	assert.Equal(t, StateIdle, f.client.Phase())
	assert.False(t, f.state.ConnectedToTreadmill())
	assert.Equal(t, 1, f.device.unsubscribe)
}

func TestClient_IdleDisconnect(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.IdleDisconnect = time.Minute
	f := newClientFixture(t, cfg)

	// lazy: no scan without an app
	f.tick()
	assert.Equal(t, StateIdle, f.client.Phase())

	f.state.SetAppConnected(true, f.clock.Now())
	f.connect(t)

	f.state.SetAppConnected(false, f.clock.Now())
	f.clock.Advance(30 * time.Second)
	f.tick()
	assert.Equal(t, StateConnected, f.client.Phase())

	f.clock.Advance(31 * time.Second)
	f.tick()
	assert.Equal(t, StateIdle, f.client.Phase())
	assert.False(t, f.state.ConnectedToTreadmill())
}

func TestClient_RunStopsOnCancel(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.client.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
