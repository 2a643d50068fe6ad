package bt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/events"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/safe_map"

	"tinygo.org/x/bluetooth"
)

const defaultScanTimeout = 10 * time.Second

// ConnectionEvent reports a link coming up or going down
type ConnectionEvent struct {
	Address   string
	Connected bool
}

// ConnectionSource delivers connection events for links this process did
// not initiate (centrals connecting to our GATT server)
type ConnectionSource interface {
	ListenToPeerConnections(callback func(ConnectionEvent)) func()
}

// BTManagerInterface is the central role: scan, connect, disconnect
type BTManagerInterface interface {
	Enable() error
	GetBTDeviceByAddressString(addressString string) BTDevice
	StartScan(serviceUuidFilter []string)
	StopScan() error
	IsScanning() bool
	Connect(device BTDevice) error
	Disconnect(device BTDevice) error
	GetConnectedDevices() []BTDevice
	GetScanDevices() []BTDevice
	Shutdown()
}

var _ BTManagerInterface = (*BTManager)(nil)
var _ ConnectionSource = (*BTManager)(nil)

type BTManager struct {
	adapter     *bluetooth.Adapter
	scanTimeout time.Duration
	logger      *log.Logger

	mu         sync.RWMutex
	devices    map[string]*btDeviceImpl
	scanCancel context.CancelFunc // nil when not scanning

	initiated  *safe_map.SafeMap[string, bool] // links we opened as central
	peerEvents *events.CallbackEvent[ConnectionEvent]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBTManager wraps adapter. Devices not heard from for scanTimeout
// (default 10s) drop out of scan results.
func NewBTManager(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout ...time.Duration) *BTManager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	timeout := defaultScanTimeout
	if len(scanTimeout) > 0 && scanTimeout[0] > 0 {
		timeout = scanTimeout[0]
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BTManager{
		adapter:     adapter,
		scanTimeout: timeout,
		logger:      logger,
		devices:     make(map[string]*btDeviceImpl),
		initiated:   safe_map.NewSafeMap[string, bool](),
		peerEvents:  events.NewCallbackEvent[ConnectionEvent](false),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Enable powers the adapter. The adapter has a single connect handler for
// both roles, see onConnectionChange.
func (m *BTManager) Enable() error {
	m.adapter.SetConnectHandler(m.onConnectionChange)
	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}
	return nil
}

// onConnectionChange handles links we initiated and forwards every other
// link to peer listeners
func (m *BTManager) onConnectionChange(device bluetooth.Device, connected bool) {
	address := device.Address.String()

	if mine, _ := m.initiated.Load(address); !mine {
		m.logger.Printf("BTManager: Peer %s connected=%v", address, connected)
		m.peerEvents.Notify(ConnectionEvent{Address: address, Connected: connected})
		return
	}

	d, _ := m.deviceFor(device.Address)
	if connected {
		m.logger.Printf("BTManager: Link up: %s", address)
		d.attach(device)
		return
	}
	m.logger.Printf("BTManager: Link lost: %s", address)
	d.detach()
	m.initiated.Delete(address)
}

// ListenToPeerConnections registers a callback for links initiated by remote
// centrals and returns its deregistration function
func (m *BTManager) ListenToPeerConnections(callback func(ConnectionEvent)) func() {
	return m.peerEvents.Listen(callback)
}

// deviceFor returns the record for address, creating it on first sight
func (m *BTManager) deviceFor(address bluetooth.Address) (*btDeviceImpl, bool) {
	key := address.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[key]; ok {
		return d, false
	}
	d := newBtDeviceImpl(m.logger, address, m.scanTimeout)
	m.devices[key] = d
	return d, true
}

func (m *BTManager) lookup(address string) (*btDeviceImpl, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[address]
	if !ok {
		return nil, fmt.Errorf("unknown device %s", address)
	}
	return d, nil
}

// GetBTDeviceByAddressString returns the device, or nil if it was never seen
// or has expired
func (m *BTManager) GetBTDeviceByAddressString(addressString string) BTDevice {
	d, err := m.lookup(addressString)
	if err != nil {
		return nil
	}
	return d
}

func (m *BTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanCancel != nil
}

// StartScan scans until StopScan, keeping advertisers that list any service
// in serviceUuidFilter (all of them when the filter is empty). A running scan
// is restarted with the new filter.
func (m *BTManager) StartScan(serviceUuidFilter []string) {
	filter := make(map[string]struct{}, len(serviceUuidFilter))
	for _, uuid := range serviceUuidFilter {
		filter[uuid] = struct{}{}
	}

	m.mu.Lock()
	if m.scanCancel != nil {
		m.logger.Println("BTManager: Restarting running scan")
		m.scanCancel()
	}
	scanCtx, cancel := context.WithCancel(m.ctx)
	m.scanCancel = cancel
	m.mu.Unlock()

	m.logger.Printf("BTManager: Scanning (filter %v)", serviceUuidFilter)

	m.wg.Add(2)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		m.expireLoop(scanCtx)
	})
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		err := m.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			// the adapter keeps delivering until StopScan lands
			if scanCtx.Err() != nil || !advertisesAny(result, filter) {
				return
			}
			d, isNew := m.deviceFor(result.Address)
			d.recordSighting(result, time.Now())
			if isNew {
				m.logger.Printf("BTManager: Found %s (%s) [RSSI: %d]", d.GetLocalName(), result.Address.String(), result.RSSI)
			}
		})
		if err != nil {
			m.logger.Printf("BTManager: Scan error: %v", err)
		}
		m.logger.Println("BTManager: Scan loop ended")
	})
}

func advertisesAny(result bluetooth.ScanResult, filter map[string]struct{}) bool {
	if len(filter) == 0 {
		return true
	}
	for _, uuid := range result.ServiceUUIDs() {
		if _, ok := filter[uuid.String()]; ok {
			return true
		}
	}
	return false
}

func (m *BTManager) StopScan() error {
	m.mu.Lock()
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	m.mu.Unlock()

	if err := m.adapter.StopScan(); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	return nil
}

func (m *BTManager) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, address := range m.expire(now) {
				m.logger.Printf("BTManager: %s not seen for %v, forgetting it", address, m.scanTimeout)
			}
		}
	}
}

// expire drops idle devices not heard from within the scan timeout
func (m *BTManager) expire(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for address, d := range m.devices {
		if d.GetState() == Disconnected && now.Sub(d.GetScanLastSeen()) > m.scanTimeout {
			delete(m.devices, address)
			removed = append(removed, address)
		}
	}
	return removed
}

// Connect opens a link to a previously scanned device. The adapter call
// blocks until the link is up or the stack gives up.
func (m *BTManager) Connect(device BTDevice) error {
	address := device.GetAddressString()
	d, err := m.lookup(address)
	if err != nil {
		return err
	}

	m.logger.Printf("BTManager: Connecting to %s", address)
	m.initiated.Store(address, true)
	d.setState(Connecting)

	link, err := m.adapter.Connect(d.address, bluetooth.ConnectionParams{})
	if err != nil {
		m.initiated.Delete(address)
		d.setState(Disconnected)
		return fmt.Errorf("connect %s: %w", address, err)
	}
	d.attach(link)
	m.logger.Printf("BTManager: Connected to %s", address)
	return nil
}

func (m *BTManager) Disconnect(device BTDevice) error {
	address := device.GetAddressString()
	d, err := m.lookup(address)
	if err != nil {
		return err
	}

	m.logger.Printf("BTManager: Disconnecting from %s", address)
	if link := d.connection(); link != nil {
		if err := link.Disconnect(); err != nil {
			return fmt.Errorf("disconnect %s: %w", address, err)
		}
	}
	d.detach()
	m.initiated.Delete(address)
	return nil
}

func (m *BTManager) devicesWhere(keep func(*btDeviceImpl) bool) []BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]BTDevice, 0, len(m.devices))
	for _, d := range m.devices {
		if keep(d) {
			result = append(result, d)
		}
	}
	return result
}

func (m *BTManager) GetConnectedDevices() []BTDevice {
	return m.devicesWhere((*btDeviceImpl).IsConnected)
}

func (m *BTManager) GetScanDevices() []BTDevice {
	return m.devicesWhere((*btDeviceImpl).IsRecentlyScanned)
}

// Shutdown drops every link, stops scanning and waits for the scan goroutines
func (m *BTManager) Shutdown() {
	m.logger.Println("BTManager: Shutting down")
	for _, d := range m.GetConnectedDevices() {
		if err := m.Disconnect(d); err != nil {
			m.logger.Printf("BTManager: Disconnect %s: %v", d.GetAddressString(), err)
		}
	}
	if m.IsScanning() {
		if err := m.StopScan(); err != nil {
			m.logger.Printf("BTManager: %v", err)
		}
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Println("BTManager: Shutdown complete")
}
