package mock

import (
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bt"
)

// Manager is a bt.BTManagerInterface over a fixed set of simulated treadmills
type Manager struct {
	logger     *log.Logger
	treadmills []*Treadmill

	mu       sync.RWMutex
	enabled  bool
	scanning bool
}

var _ bt.BTManagerInterface = (*Manager)(nil)

func NewManager(logger *log.Logger, treadmills ...*Treadmill) *Manager {
	if logger == nil {
		panic("MockManager: logger cannot be nil")
	}
	return &Manager{
		logger:     logger,
		treadmills: treadmills,
	}
}

func (m *Manager) Enable() error {
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
	m.logger.Printf("MockManager: Enabled with %d simulated treadmill(s)", len(m.treadmills))
	return nil
}

func (m *Manager) find(address string) *Treadmill {
	for _, t := range m.treadmills {
		if t.GetAddressString() == address {
			return t
		}
	}
	return nil
}

func (m *Manager) GetBTDeviceByAddressString(addressString string) bt.BTDevice {
	if t := m.find(addressString); t != nil {
		return t
	}
	return nil
}

// StartScan makes every powered treadmill visible until StopScan
func (m *Manager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		m.logger.Println("MockManager: Scan requested before Enable")
		return
	}
	m.scanning = true
	m.logger.Println("MockManager: Starting scan")
}

func (m *Manager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanning {
		return nil
	}
	m.scanning = false
	m.logger.Println("MockManager: Stopping scan")
	return nil
}

func (m *Manager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

func (m *Manager) Connect(device bt.BTDevice) error {
	t := m.find(device.GetAddressString())
	if t == nil {
		return fmt.Errorf("unknown device %s", device.GetAddressString())
	}
	if !t.PoweredOn() {
		return fmt.Errorf("device %s is not responding", device.GetAddressString())
	}
	m.logger.Printf("MockManager: Connecting to %s", t.GetAddressString())
	t.SetConnected(true)
	return nil
}

func (m *Manager) Disconnect(device bt.BTDevice) error {
	t := m.find(device.GetAddressString())
	if t == nil {
		return fmt.Errorf("unknown device %s", device.GetAddressString())
	}
	if t.IsConnected() {
		m.logger.Printf("MockManager: Disconnecting from %s", t.GetAddressString())
		t.SetConnected(false)
	}
	return nil
}

func (m *Manager) GetConnectedDevices() []bt.BTDevice {
	devices := make([]bt.BTDevice, 0, len(m.treadmills))
	for _, t := range m.treadmills {
		if t.IsConnected() {
			devices = append(devices, t)
		}
	}
	return devices
}

func (m *Manager) GetScanDevices() []bt.BTDevice {
	if !m.IsScanning() {
		return nil
	}
	devices := make([]bt.BTDevice, 0, len(m.treadmills))
	for _, t := range m.treadmills {
		if t.PoweredOn() && !t.IsConnected() {
			devices = append(devices, t)
		}
	}
	return devices
}

func (m *Manager) Shutdown() {
	m.logger.Println("MockManager: Shutting down")
	_ = m.StopScan()
	for _, t := range m.treadmills {
		if t.IsConnected() {
			t.SetConnected(false)
		}
	}
}
