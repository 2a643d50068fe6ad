package mock

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bt"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/events"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/ftms"
)

// Peripheral implements bt.Peripheral without a radio. Fitness apps are
// simulated with ConnectApp, DisconnectApp and WriteCharacteristic.
type Peripheral struct {
	logger *log.Logger

	mu              sync.RWMutex
	services        []bt.GATTService
	characteristics map[string]bt.GATTCharacteristic
	lastValues      map[string][]byte
	notifyCounts    map[string]int
	adv             bt.AdvertisementConfig
	advertising     bool
	peers           map[string]struct{}
	connectionEvent *events.CallbackEvent[bt.ConnectionEvent]
}

var _ bt.Peripheral = (*Peripheral)(nil)

func NewPeripheral(logger *log.Logger) *Peripheral {
	if logger == nil {
		panic("MockPeripheral: logger cannot be nil")
	}
	return &Peripheral{
		logger:          logger,
		characteristics: make(map[string]bt.GATTCharacteristic),
		lastValues:      make(map[string][]byte),
		notifyCounts:    make(map[string]int),
		peers:           make(map[string]struct{}),
		connectionEvent: events.NewCallbackEvent[bt.ConnectionEvent](false),
	}
}

func (p *Peripheral) AddService(svc bt.GATTService) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range svc.Characteristics {
		key := strings.ToLower(c.UUID)
		if _, exists := p.characteristics[key]; exists {
			return fmt.Errorf("characteristic %s already registered", c.UUID)
		}
		p.characteristics[key] = c
		if c.Value != nil {
			p.lastValues[key] = append([]byte(nil), c.Value...)
		}
	}
	p.services = append(p.services, svc)
	p.logger.Printf("MockPeripheral: Added service %s with %d characteristics", svc.UUID, len(svc.Characteristics))
	return nil
}

func (p *Peripheral) Notify(characteristicUuid string, value []byte) error {
	key := strings.ToLower(characteristicUuid)
	p.mu.Lock()
	c, ok := p.characteristics[key]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", bt.ErrCharacteristicNotFound, characteristicUuid)
	}
	if !c.Notify && !c.Indicate {
		p.mu.Unlock()
		return fmt.Errorf("characteristic %s cannot notify", characteristicUuid)
	}
	p.lastValues[key] = append([]byte(nil), value...)
	p.notifyCounts[key]++
	p.mu.Unlock()

	// data packets arrive several times a second; only log responses
	if key != ftms.CharUUIDTreadmillData {
		p.logger.Printf("MockPeripheral: Notify %s: % X", describeCharacteristic(key), value)
	}
	return nil
}

func describeCharacteristic(uuid string) string {
	switch uuid {
	case ftms.CharUUIDControlPoint:
		return "control point"
	case ftms.CharUUIDStatus:
		return "machine status"
	case ftms.CharUUIDTrainingStatus:
		return "training status"
	case ftms.CharUUIDTreadmillData:
		return "treadmill data"
	default:
		return uuid
	}
}

func (p *Peripheral) ConfigureAdvertisement(cfg bt.AdvertisementConfig) error {
	p.mu.Lock()
	p.adv = cfg
	p.mu.Unlock()
	p.logger.Printf("MockPeripheral: Advertisement %q appearance 0x%04X", cfg.LocalName, cfg.Appearance)
	return nil
}

func (p *Peripheral) StartAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.adv.LocalName == "" {
		return fmt.Errorf("advertisement not configured")
	}
	p.advertising = true
	return nil
}

func (p *Peripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertising = false
	return nil
}

func (p *Peripheral) IsAdvertising() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.advertising
}

func (p *Peripheral) ConnectedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}

func (p *Peripheral) ListenToConnections(callback func(bt.ConnectionEvent)) func() {
	return p.connectionEvent.Listen(callback)
}

// ConnectApp simulates a central connecting. Advertising stops as it does
// on the radio.
func (p *Peripheral) ConnectApp(address string) {
	p.mu.Lock()
	p.peers[address] = struct{}{}
	p.advertising = false
	p.mu.Unlock()
	p.logger.Printf("MockPeripheral: App %s connected", address)
	p.connectionEvent.Notify(bt.ConnectionEvent{Address: address, Connected: true})
}

func (p *Peripheral) DisconnectApp(address string) {
	p.mu.Lock()
	_, ok := p.peers[address]
	delete(p.peers, address)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.logger.Printf("MockPeripheral: App %s disconnected", address)
	p.connectionEvent.Notify(bt.ConnectionEvent{Address: address, Connected: false})
}

// WriteCharacteristic simulates a remote write from a connected app
func (p *Peripheral) WriteCharacteristic(characteristicUuid string, value []byte) error {
	p.mu.RLock()
	c, ok := p.characteristics[strings.ToLower(characteristicUuid)]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", bt.ErrCharacteristicNotFound, characteristicUuid)
	}
	if !c.Write || c.OnWrite == nil {
		return fmt.Errorf("characteristic %s is not writable", characteristicUuid)
	}
	c.OnWrite(append([]byte(nil), value...))
	return nil
}

// Value is the last notified or initial value of a characteristic
func (p *Peripheral) Value(characteristicUuid string) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]byte(nil), p.lastValues[strings.ToLower(characteristicUuid)]...)
}

func (p *Peripheral) NotifyCount(characteristicUuid string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.notifyCounts[strings.ToLower(characteristicUuid)]
}

func (p *Peripheral) Advertisement() bt.AdvertisementConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.adv
}

func (p *Peripheral) Services() []bt.GATTService {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]bt.GATTService(nil), p.services...)
}
