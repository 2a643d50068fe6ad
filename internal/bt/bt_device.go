package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

type BTDeviceState int

const (
	Disconnected BTDeviceState = iota
	Connecting
	Connected
)

func (s BTDeviceState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

var (
	ErrNotConnected           = errors.New("device not connected")
	ErrServiceNotFound        = errors.New("service not found")
	ErrCharacteristicNotFound = errors.New("characteristic not found")
)

// BTDevice is a remote peripheral seen by scanning, possibly connected
type BTDevice interface {
	GetAddressString() string
	GetScanRSSI() (int16, error)
	GetScanLastSeen() time.Time
	GetLocalName() string
	IsConnected() bool
	GetState() BTDeviceState
	GetStateDescription() string
	IsRecentlyScanned() bool
	WaitForConnection(ctx context.Context, timeout time.Duration) error
	ResolveCharacteristic(serviceUuid string, characteristicUuid string) error
	EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error
	DisableNotifications(serviceUuid string, characteristicUuid string) error
	WriteCharacteristic(serviceUuid string, characteristicUuid string, data []byte) error
}

var _ BTDevice = (*btDeviceImpl)(nil)

// sighting is the latest advertisement heard from a device
type sighting struct {
	result bluetooth.ScanResult
	at     time.Time
}

type btDeviceImpl struct {
	address     bluetooth.Address
	scanTimeout time.Duration
	logger      *log.Logger

	mu       sync.RWMutex
	state    BTDeviceState
	link     *bluetooth.Device // nil when not connected
	linkUp   chan struct{}     // closed while link is set
	lastSeen *sighting

	gattMu sync.Mutex // one GATT operation at a time per link
	gatt   *gattCache
}

func newBtDeviceImpl(logger *log.Logger, address bluetooth.Address, scanTimeout time.Duration) *btDeviceImpl {
	if logger == nil {
		panic("BTDevice: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		panic("BTDevice: scanTimeout must be > 0")
	}
	return &btDeviceImpl{
		address:     address,
		scanTimeout: scanTimeout,
		logger:      logger,
		state:       Disconnected,
		linkUp:      make(chan struct{}),
		gatt:        newGattCache(logger),
	}
}

func (b *btDeviceImpl) GetAddressString() string {
	return b.address.String()
}

func (b *btDeviceImpl) GetState() BTDeviceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *btDeviceImpl) GetStateDescription() string {
	return b.GetState().String()
}

func (b *btDeviceImpl) IsConnected() bool {
	return b.connection() != nil
}

func (b *btDeviceImpl) GetLocalName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastSeen != nil {
		if name := b.lastSeen.result.LocalName(); name != "" {
			return name
		}
	}
	return "Unknown"
}

func (b *btDeviceImpl) GetScanRSSI() (int16, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastSeen == nil {
		return 0, errors.New("no rssi available")
	}
	return b.lastSeen.result.RSSI, nil
}

func (b *btDeviceImpl) GetScanLastSeen() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastSeen == nil {
		return time.Unix(0, 0)
	}
	return b.lastSeen.at
}

func (b *btDeviceImpl) IsRecentlyScanned() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeen != nil && time.Since(b.lastSeen.at) <= b.scanTimeout
}

func (b *btDeviceImpl) recordSighting(result bluetooth.ScanResult, at time.Time) {
	b.mu.Lock()
	b.lastSeen = &sighting{result: result, at: at}
	b.mu.Unlock()
}

// WaitForConnection blocks until the link is up, the timeout elapses or ctx
// is cancelled
func (b *btDeviceImpl) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	b.mu.RLock()
	up := b.linkUp
	b.mu.RUnlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %v waiting for connection to %s", timeout, b.GetAddressString())
	}
}

func (b *btDeviceImpl) setState(state BTDeviceState) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

// attach records a live link
func (b *btDeviceImpl) attach(device bluetooth.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.link = &device
	b.state = Connected
	select {
	case <-b.linkUp:
	default:
		close(b.linkUp)
	}
}

// detach forgets the link and its GATT handles, which are only valid per
// connection
func (b *btDeviceImpl) detach() {
	b.mu.Lock()
	b.link = nil
	b.state = Disconnected
	select {
	case <-b.linkUp:
		b.linkUp = make(chan struct{})
	default:
	}
	b.mu.Unlock()

	b.gattMu.Lock()
	b.gatt.reset()
	b.gattMu.Unlock()
}

func (b *btDeviceImpl) connection() *bluetooth.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.link
}

// withCharacteristic resolves the characteristic on the current link and runs
// fn with GATT access held
func (b *btDeviceImpl) withCharacteristic(serviceUuidStr, charUuidStr string, fn func(*bluetooth.DeviceCharacteristic) error) error {
	key, err := parseCharKey(serviceUuidStr, charUuidStr)
	if err != nil {
		return err
	}

	b.gattMu.Lock()
	defer b.gattMu.Unlock()

	link := b.connection()
	if link == nil {
		return ErrNotConnected
	}
	characteristic, err := b.gatt.characteristic(link, key)
	if err != nil {
		return err
	}
	if fn == nil {
		return nil
	}
	return fn(characteristic)
}

// ResolveCharacteristic discovers and caches the characteristic without
// touching it
func (b *btDeviceImpl) ResolveCharacteristic(serviceUuidStr string, charUuidStr string) error {
	return b.withCharacteristic(serviceUuidStr, charUuidStr, nil)
}

func (b *btDeviceImpl) EnableNotifications(serviceUuidStr string, charUuidStr string, callbackFunc func(buf []byte)) error {
	b.logger.Printf("BTDevice: Subscribing to %s on %s", charUuidStr, b.GetAddressString())
	return b.withCharacteristic(serviceUuidStr, charUuidStr, func(c *bluetooth.DeviceCharacteristic) error {
		if err := c.EnableNotifications(callbackFunc); err != nil {
			return fmt.Errorf("enable notifications on %s: %w", charUuidStr, err)
		}
		return nil
	})
}

func (b *btDeviceImpl) DisableNotifications(serviceUuidStr string, charUuidStr string) error {
	return b.withCharacteristic(serviceUuidStr, charUuidStr, func(c *bluetooth.DeviceCharacteristic) error {
		// a nil callback unsubscribes
		if err := c.EnableNotifications(nil); err != nil {
			return fmt.Errorf("disable notifications on %s: %w", charUuidStr, err)
		}
		return nil
	})
}

// WriteCharacteristic writes data with response
func (b *btDeviceImpl) WriteCharacteristic(serviceUuidStr string, charUuidStr string, data []byte) error {
	return b.withCharacteristic(serviceUuidStr, charUuidStr, func(c *bluetooth.DeviceCharacteristic) error {
		if _, err := c.Write(data); err != nil {
			return fmt.Errorf("write %s: %w", charUuidStr, err)
		}
		return nil
	})
}
