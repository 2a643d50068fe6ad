package bt

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/events"
	"tinygo.org/x/bluetooth"
)

// GATTCharacteristic describes one local characteristic to publish
type GATTCharacteristic struct {
	UUID     string
	Value    []byte
	Read     bool
	Write    bool
	Notify   bool
	Indicate bool
	// OnWrite is invoked from the BLE stack for every remote write
	OnWrite func(value []byte)
}

// GATTService describes one local primary service
type GATTService struct {
	UUID            string
	Characteristics []GATTCharacteristic
}

// AdvertisementConfig is the local advertisement payload
type AdvertisementConfig struct {
	LocalName    string
	ServiceUUIDs []string
	Appearance   uint16
}

// Peripheral is the GATT server role
type Peripheral interface {
	AddService(svc GATTService) error
	// Notify pushes value to subscribers; for characteristics with the
	// indicate property the stack sends an indication
	Notify(characteristicUuid string, value []byte) error
	ConfigureAdvertisement(cfg AdvertisementConfig) error
	StartAdvertising() error
	StopAdvertising() error
	IsAdvertising() bool
	ConnectedCount() int
	ListenToConnections(callback func(ConnectionEvent)) func()
}

var _ Peripheral = (*BTPeripheral)(nil)

// BTPeripheral publishes services on the shared adapter
type BTPeripheral struct {
	adapter         *bluetooth.Adapter
	logger          *log.Logger
	mu              sync.RWMutex
	handles         map[string]*bluetooth.Characteristic
	advertising     bool
	advConfigured   bool
	peers           map[string]struct{}
	connectionEvent *events.CallbackEvent[ConnectionEvent]
	unlistenSource  func()
}

// NewBTPeripheral wires the peripheral to the connection events of links it
// did not initiate
func NewBTPeripheral(adapter *bluetooth.Adapter, source ConnectionSource, logger *log.Logger) *BTPeripheral {
	if logger == nil {
		panic("BTPeripheral: logger cannot be nil")
	}
	if source == nil {
		panic("BTPeripheral: connection source cannot be nil")
	}
	p := &BTPeripheral{
		adapter:         adapter,
		logger:          logger,
		handles:         make(map[string]*bluetooth.Characteristic),
		peers:           make(map[string]struct{}),
		connectionEvent: events.NewCallbackEvent[ConnectionEvent](false),
	}
	p.unlistenSource = source.ListenToPeerConnections(p.onPeerConnection)
	return p
}

func (p *BTPeripheral) onPeerConnection(ev ConnectionEvent) {
	p.mu.Lock()
	if ev.Connected {
		p.peers[ev.Address] = struct{}{}
	} else {
		delete(p.peers, ev.Address)
	}
	wasAdvertising := p.advertising
	if ev.Connected {
		p.advertising = false
	}
	p.mu.Unlock()

	// advertising ends with the first connection; the owner restarts it
	if ev.Connected && wasAdvertising {
		if err := p.adapter.DefaultAdvertisement().Stop(); err != nil {
			p.logger.Printf("BTPeripheral: stop advertising on connect: %v", err)
		}
	}
	p.connectionEvent.Notify(ev)
}

func (p *BTPeripheral) AddService(svc GATTService) error {
	serviceUuid, err := bluetooth.ParseUUID(svc.UUID)
	if err != nil {
		return fmt.Errorf("invalid service UUID %q: %w", svc.UUID, err)
	}

	configs := make([]bluetooth.CharacteristicConfig, 0, len(svc.Characteristics))
	handles := make(map[string]*bluetooth.Characteristic)
	for _, c := range svc.Characteristics {
		charUuid, err := bluetooth.ParseUUID(c.UUID)
		if err != nil {
			return fmt.Errorf("invalid characteristic UUID %q: %w", c.UUID, err)
		}

		handle := new(bluetooth.Characteristic)
		handles[strings.ToLower(c.UUID)] = handle

		cfg := bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   charUuid,
			Value:  c.Value,
			Flags:  permissions(c),
		}
		if c.OnWrite != nil {
			onWrite := c.OnWrite
			cfg.WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
				buf := make([]byte, len(value))
				copy(buf, value)
				onWrite(buf)
			}
		}
		configs = append(configs, cfg)
	}

	if err := p.adapter.AddService(&bluetooth.Service{UUID: serviceUuid, Characteristics: configs}); err != nil {
		return fmt.Errorf("add service %s: %w", svc.UUID, err)
	}

	p.mu.Lock()
	for k, v := range handles {
		p.handles[k] = v
	}
	p.mu.Unlock()

	p.logger.Printf("BTPeripheral: Added service %s with %d characteristics", svc.UUID, len(configs))
	return nil
}

func permissions(c GATTCharacteristic) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if c.Read {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if c.Write {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if c.Notify {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	if c.Indicate {
		flags |= bluetooth.CharacteristicIndicatePermission
	}
	return flags
}

func (p *BTPeripheral) Notify(characteristicUuid string, value []byte) error {
	p.mu.RLock()
	handle, ok := p.handles[strings.ToLower(characteristicUuid)]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCharacteristicNotFound, characteristicUuid)
	}
	if _, err := handle.Write(value); err != nil {
		return fmt.Errorf("notify %s: %w", characteristicUuid, err)
	}
	return nil
}

func (p *BTPeripheral) ConfigureAdvertisement(cfg AdvertisementConfig) error {
	uuids := make([]bluetooth.UUID, 0, len(cfg.ServiceUUIDs))
	for _, s := range cfg.ServiceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("invalid advertised UUID %q: %w", s, err)
		}
		uuids = append(uuids, u)
	}

	err := p.adapter.DefaultAdvertisement().Configure(bluetooth.AdvertisementOptions{
		LocalName:    cfg.LocalName,
		ServiceUUIDs: uuids,
	})
	if err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if cfg.Appearance != 0 {
		// TODO: pass Appearance once AdvertisementOptions exposes it
		p.logger.Printf("BTPeripheral: appearance 0x%04X not supported by the adapter, skipped", cfg.Appearance)
	}

	p.mu.Lock()
	p.advConfigured = true
	p.mu.Unlock()
	return nil
}

func (p *BTPeripheral) StartAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.advConfigured {
		return fmt.Errorf("advertisement not configured")
	}
	if err := p.adapter.DefaultAdvertisement().Start(); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	p.advertising = true
	return nil
}

func (p *BTPeripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.advertising {
		return nil
	}
	if err := p.adapter.DefaultAdvertisement().Stop(); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	p.advertising = false
	return nil
}

func (p *BTPeripheral) IsAdvertising() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.advertising
}

func (p *BTPeripheral) ConnectedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}

// ListenToConnections registers a callback for centrals connecting or leaving
// Returns a deregistration function that can be called to remove the listener
func (p *BTPeripheral) ListenToConnections(callback func(ConnectionEvent)) func() {
	return p.connectionEvent.Listen(callback)
}

// Close detaches from the connection source and stops advertising
func (p *BTPeripheral) Close() error {
	p.unlistenSource()
	return p.StopAdvertising()
}
