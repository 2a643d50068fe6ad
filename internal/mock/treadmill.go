package mock

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bt"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/ifit"
)

const (
	telemetryFrameLen  = 46
	maxWrittenCommands = 100

	// kcal burned per km on the flat, for a 70 kg runner
	kcalPerKm = 63.0
)

// WrittenCommand records one reassembled command received from the bridge
type WrittenCommand struct {
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	DataHex     string    `json:"dataHex"`
}

// TreadmillState is the simulated treadmill as shown by the control panel
type TreadmillState struct {
	Address    string  `json:"address"`
	LocalName  string  `json:"localName"`
	Connected  bool    `json:"connected"`
	PoweredOn  bool    `json:"poweredOn"`
	SpeedKph   float64 `json:"speedKph"`
	InclinePct float64 `json:"inclinePct"`
	DistanceM  float64 `json:"distanceM"`
	ElapsedS   float64 `json:"elapsedS"`
	Calories   float64 `json:"calories"`
}

// Treadmill implements bt.BTDevice as an iFit treadmill. It reassembles the
// chunked commands written to the TX characteristic and answers polls with
// telemetry frames on the RX characteristic.
type Treadmill struct {
	logger    *log.Logger
	clock     bridge.Clock
	address   string
	localName string

	mu          sync.Mutex
	state       bt.BTDeviceState
	poweredOn   bool
	rxCallback  func([]byte)
	reassembler ifit.Reassembler
	written     []WrittenCommand

	speedKph   float64
	inclinePct float64
	distanceM  float64
	elapsedS   float64
	calories   float64
	lastUpdate time.Time
}

var _ bt.BTDevice = (*Treadmill)(nil)

func NewTreadmill(address, localName string, clock bridge.Clock, logger *log.Logger) *Treadmill {
	if logger == nil {
		panic("MockTreadmill: logger cannot be nil")
	}
	if clock == nil {
		clock = bridge.SystemClock{}
	}
	return &Treadmill{
		logger:    logger,
		clock:     clock,
		address:   address,
		localName: localName,
		state:     bt.Disconnected,
		poweredOn: true,
		speedKph:  3.2,
	}
}

// --- bt.BTDevice ---

func (t *Treadmill) GetAddressString() string {
	return t.address
}

func (t *Treadmill) GetScanRSSI() (int16, error) {
	return -55, nil
}

func (t *Treadmill) GetScanLastSeen() time.Time {
	return t.clock.Now()
}

func (t *Treadmill) GetLocalName() string {
	return t.localName
}

func (t *Treadmill) IsConnected() bool {
	return t.GetState() == bt.Connected
}

func (t *Treadmill) GetState() bt.BTDeviceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Treadmill) GetStateDescription() string {
	return t.GetState().String()
}

func (t *Treadmill) IsRecentlyScanned() bool {
	return t.PoweredOn()
}

func (t *Treadmill) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.IsConnected() {
		return fmt.Errorf("mock treadmill %s: %w", t.address, bt.ErrNotConnected)
	}
	return nil
}

func (t *Treadmill) ResolveCharacteristic(serviceUuid string, characteristicUuid string) error {
	return t.checkCharacteristic(serviceUuid, characteristicUuid)
}

func (t *Treadmill) checkCharacteristic(serviceUuid string, characteristicUuid string) error {
	if !t.IsConnected() {
		return bt.ErrNotConnected
	}
	if serviceUuid != ifit.ServiceUUID {
		return fmt.Errorf("%w: %s", bt.ErrServiceNotFound, serviceUuid)
	}
	if characteristicUuid != ifit.TxCharUUID && characteristicUuid != ifit.RxCharUUID {
		return fmt.Errorf("%w: %s", bt.ErrCharacteristicNotFound, characteristicUuid)
	}
	return nil
}

func (t *Treadmill) EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error {
	if err := t.checkCharacteristic(serviceUuid, characteristicUuid); err != nil {
		return err
	}
	if characteristicUuid != ifit.RxCharUUID {
		return fmt.Errorf("characteristic %s does not notify", characteristicUuid)
	}
	t.mu.Lock()
	t.rxCallback = callbackFunc
	t.mu.Unlock()
	t.logger.Printf("MockTreadmill [%s]: Notifications enabled", t.localName)
	return nil
}

func (t *Treadmill) DisableNotifications(serviceUuid string, characteristicUuid string) error {
	if err := t.checkCharacteristic(serviceUuid, characteristicUuid); err != nil {
		return err
	}
	t.mu.Lock()
	t.rxCallback = nil
	t.mu.Unlock()
	t.logger.Printf("MockTreadmill [%s]: Notifications disabled", t.localName)
	return nil
}

func (t *Treadmill) WriteCharacteristic(serviceUuid string, characteristicUuid string, data []byte) error {
	if err := t.checkCharacteristic(serviceUuid, characteristicUuid); err != nil {
		return err
	}
	if characteristicUuid != ifit.TxCharUUID {
		return fmt.Errorf("characteristic %s is not writable", characteristicUuid)
	}

	t.mu.Lock()
	cmd, complete := t.reassembler.Feed(data)
	if !complete {
		t.mu.Unlock()
		return nil
	}
	reply := t.handleCommandLocked(cmd)
	callback := t.rxCallback
	t.mu.Unlock()

	if reply != nil && callback != nil {
		for _, chunk := range ifit.EncodeChunks(reply) {
			callback(chunk)
		}
	}
	return nil
}

// --- simulation ---

// handleCommandLocked applies one reassembled command and returns the
// payload to notify back, if any
func (t *Treadmill) handleCommandLocked(cmd []byte) []byte {
	t.advanceLocked(t.clock.Now())

	var description string
	var reply []byte
	switch {
	case bytes.Equal(cmd, ifit.PollCommand()):
		description = "poll"
		reply = t.telemetryFrameLocked()
	case isControl(cmd):
		kind := bridge.ControlKind(cmd[8])
		value := int16(binary.LittleEndian.Uint16(cmd[9:11]))
		description = fmt.Sprintf("control %s=%d", kind, value)
		t.applyControlLocked(kind, value)
		reply = t.telemetryFrameLocked()
	default:
		description = "command"
		if len(cmd) >= 4 {
			// short acknowledgement echoing the command header
			reply = []byte{cmd[0], cmd[1], cmd[2], cmd[3], 0x00}
		}
	}

	t.written = append(t.written, WrittenCommand{
		Timestamp:   t.clock.Now(),
		Description: description,
		DataHex:     hex.EncodeToString(cmd),
	})
	if len(t.written) > maxWrittenCommands {
		t.written = t.written[len(t.written)-maxWrittenCommands:]
	}
	return reply
}

func isControl(cmd []byte) bool {
	prefix := ifit.EncodeControl(bridge.ControlNone, 0)[:8]
	return len(cmd) >= 13 && bytes.Equal(cmd[:8], prefix)
}

func (t *Treadmill) applyControlLocked(kind bridge.ControlKind, value int16) {
	switch kind {
	case bridge.ControlSpeed:
		t.speedKph = math.Max(0, float64(value)/100)
		t.logger.Printf("MockTreadmill [%s]: Speed set to %.2f kph", t.localName, t.speedKph)
	case bridge.ControlIncline:
		t.inclinePct = float64(value) / 100
		t.logger.Printf("MockTreadmill [%s]: Incline set to %.2f%%", t.localName, t.inclinePct)
	default:
		t.logger.Printf("MockTreadmill [%s]: Ignoring control kind %d", t.localName, kind)
	}
}

// advanceLocked integrates distance, time and calories up to now
func (t *Treadmill) advanceLocked(now time.Time) {
	if t.lastUpdate.IsZero() || t.state != bt.Connected {
		t.lastUpdate = now
		return
	}
	dt := now.Sub(t.lastUpdate).Seconds()
	t.lastUpdate = now
	if dt <= 0 {
		return
	}
	t.elapsedS += dt
	km := t.speedKph * dt / 3600
	t.distanceM += km * 1000
	t.calories += km * kcalPerKm * (1 + math.Max(0, t.inclinePct)/10)
}

// telemetryFrameLocked lays out the counters the way the treadmill does:
// speed and incline in hundredths at 8 and 10, elapsed seconds at 27,
// scaled calories at 31 and distance in centimetres at 42
func (t *Treadmill) telemetryFrameLocked() []byte {
	frame := make([]byte, telemetryFrameLen)
	frame[0] = 0x01
	frame[1] = 0x04
	frame[2] = 0x02
	frame[3] = ifit.TelemetryTag
	binary.LittleEndian.PutUint16(frame[8:], uint16(math.Round(t.speedKph*100)))
	// the counter is unsigned; decline is reported as flat
	binary.LittleEndian.PutUint16(frame[10:], uint16(math.Round(math.Max(0, t.inclinePct)*100)))
	binary.LittleEndian.PutUint32(frame[27:], uint32(t.elapsedS))
	binary.LittleEndian.PutUint32(frame[31:], uint32(t.calories*ifit.CaloriesDivisor))
	binary.LittleEndian.PutUint32(frame[42:], uint32(t.distanceM*100))
	return frame
}

// SetConnected is driven by the manager
func (t *Treadmill) SetConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if connected {
		t.state = bt.Connected
		t.lastUpdate = t.clock.Now()
		t.logger.Printf("MockTreadmill [%s]: State changed to Connected", t.localName)
		return
	}
	t.state = bt.Disconnected
	t.rxCallback = nil
	t.reassembler.Reset()
	t.logger.Printf("MockTreadmill [%s]: State changed to Disconnected", t.localName)
}

// SetPoweredOn hides the treadmill from scans and drops its link when off
func (t *Treadmill) SetPoweredOn(on bool) {
	t.mu.Lock()
	t.poweredOn = on
	t.mu.Unlock()
	if !on && t.IsConnected() {
		t.SetConnected(false)
	}
}

func (t *Treadmill) PoweredOn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.poweredOn
}

// SetValues changes belt speed and incline as if set on the console
func (t *Treadmill) SetValues(speedKph, inclinePct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceLocked(t.clock.Now())
	t.speedKph = math.Max(0, speedKph)
	t.inclinePct = inclinePct
}

func (t *Treadmill) State() TreadmillState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceLocked(t.clock.Now())
	return TreadmillState{
		Address:    t.address,
		LocalName:  t.localName,
		Connected:  t.state == bt.Connected,
		PoweredOn:  t.poweredOn,
		SpeedKph:   t.speedKph,
		InclinePct: t.inclinePct,
		DistanceM:  t.distanceM,
		ElapsedS:   t.elapsedS,
		Calories:   t.calories,
	}
}

// Written returns the most recent commands, oldest first
func (t *Treadmill) Written() []WrittenCommand {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]WrittenCommand, len(t.written))
	copy(out, t.written)
	return out
}
