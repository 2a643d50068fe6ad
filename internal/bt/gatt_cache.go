package bt

import (
	"fmt"
	"log"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

type charKey struct {
	service bluetooth.UUID
	char    bluetooth.UUID
}

func parseCharKey(serviceUuidStr, charUuidStr string) (charKey, error) {
	service, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return charKey{}, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	char, err := bluetooth.ParseUUID(charUuidStr)
	if err != nil {
		return charKey{}, fmt.Errorf("invalid characteristic UUID %q: %w", charUuidStr, err)
	}
	return charKey{service: service, char: char}, nil
}

// gattCache remembers discovered services and characteristics for one link.
// Services are discovered all at once: discovering them one by one disturbs
// subscriptions already running on some stacks.
type gattCache struct {
	logger          *log.Logger
	services        *safe_map.SafeMap[bluetooth.UUID, *bluetooth.DeviceService]
	characteristics *safe_map.SafeMap[charKey, *bluetooth.DeviceCharacteristic]
	charsScanned    *safe_map.SafeMap[bluetooth.UUID, bool]
	servicesScanned bool
}

func newGattCache(logger *log.Logger) *gattCache {
	return &gattCache{
		logger:          logger,
		services:        safe_map.NewSafeMap[bluetooth.UUID, *bluetooth.DeviceService](),
		characteristics: safe_map.NewSafeMap[charKey, *bluetooth.DeviceCharacteristic](),
		charsScanned:    safe_map.NewSafeMap[bluetooth.UUID, bool](),
	}
}

func (g *gattCache) reset() {
	g.services.Clear()
	g.characteristics.Clear()
	g.charsScanned.Clear()
	g.servicesScanned = false
}

func (g *gattCache) service(link *bluetooth.Device, uuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	if !g.servicesScanned {
		g.logger.Printf("BTDevice: Discovering services on %s", link.Address.String())
		found, err := link.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("discover services: %w", err)
		}
		for i := range found {
			g.services.Store(found[i].UUID(), &found[i])
		}
		g.servicesScanned = true
	}

	svc, ok := g.services.Load(uuid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, uuid.String())
	}
	return svc, nil
}

func (g *gattCache) characteristic(link *bluetooth.Device, key charKey) (*bluetooth.DeviceCharacteristic, error) {
	if c, ok := g.characteristics.Load(key); ok {
		return c, nil
	}

	if scanned, _ := g.charsScanned.Load(key.service); !scanned {
		svc, err := g.service(link, key.service)
		if err != nil {
			return nil, err
		}
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("discover characteristics of %s: %w", key.service.String(), err)
		}
		for i := range found {
			g.characteristics.Store(charKey{service: key.service, char: found[i].UUID()}, &found[i])
		}
		g.logger.Printf("BTDevice: %d characteristics in service %s", len(found), key.service.String())
		g.charsScanned.Store(key.service, true)
	}

	c, ok := g.characteristics.Load(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s in service %s", ErrCharacteristicNotFound, key.char.String(), key.service.String())
	}
	return c, nil
}
