package ftms

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bt"
)

const (
	DefaultServerName     = "mytm"
	DefaultNotifyInterval = 200 * time.Millisecond

	tickInterval     = 20 * time.Millisecond
	writeQueueSize   = 16
	connectQueueSize = 8
)

// ServerConfig holds the peripheral role settings
type ServerConfig struct {
	Name           string
	Appearance     uint16
	NotifyInterval time.Duration
	// NotifyDedupeWindow suppresses a data packet identical to the last one
	// sent less than this long ago. Zero sends every interval.
	NotifyDedupeWindow time.Duration
	// ExtendedControl also answers Start/Resume and Stop/Pause
	ExtendedControl bool
	Capabilities    CapabilityProfile
	DeviceInfo      DeviceInfo
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Name:           DefaultServerName,
		Appearance:     AppearanceRunningWalking,
		NotifyInterval: DefaultNotifyInterval,
		Capabilities:   DefaultCapabilityProfile(),
		DeviceInfo:     DefaultDeviceInfo(),
	}
}

// Server is the FTMS peripheral role. Radio callbacks only enqueue; all state
// changes happen on Tick.
type Server struct {
	cfg        ServerConfig
	peripheral bt.Peripheral
	state      *bridge.State
	clock      bridge.Clock
	logger     *log.Logger

	writes      chan []byte
	connections chan bt.ConnectionEvent
	unlisten    func()
	dropped     atomic.Int64

	lastTick    time.Time
	lastPayload []byte
	lastSentAt  time.Time
}

func NewServer(cfg ServerConfig, peripheral bt.Peripheral, state *bridge.State, clock bridge.Clock, logger *log.Logger) *Server {
	if logger == nil {
		panic("FTMSServer: logger cannot be nil")
	}
	if peripheral == nil {
		panic("FTMSServer: peripheral cannot be nil")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultServerName
	}
	if cfg.NotifyInterval <= 0 {
		cfg.NotifyInterval = DefaultNotifyInterval
	}
	return &Server{
		cfg:         cfg,
		peripheral:  peripheral,
		state:       state,
		clock:       clock,
		logger:      logger,
		writes:      make(chan []byte, writeQueueSize),
		connections: make(chan bt.ConnectionEvent, connectQueueSize),
	}
}

// Start registers the GATT table and begins advertising
func (s *Server) Start() error {
	caps := s.cfg.Capabilities
	ftmsService := bt.GATTService{
		UUID: ServiceUUIDFTMS,
		Characteristics: []bt.GATTCharacteristic{
			{UUID: CharUUIDTreadmillData, Notify: true},
			{UUID: CharUUIDControlPoint, Write: true, Indicate: true, OnWrite: s.Submit},
			{UUID: CharUUIDFeature, Read: true, Value: caps.EncodeFeature()},
			{UUID: CharUUIDStatus, Notify: true},
			{UUID: CharUUIDTrainingStatus, Read: true, Notify: true, Value: TrainingStatusIdle()},
			{UUID: CharUUIDSpeedRange, Read: true, Value: caps.EncodeSpeedRange()},
			{UUID: CharUUIDInclinationRange, Read: true, Value: caps.EncodeInclineRange()},
		},
	}
	if err := s.peripheral.AddService(ftmsService); err != nil {
		return fmt.Errorf("register FTMS service: %w", err)
	}

	info := s.cfg.DeviceInfo
	disService := bt.GATTService{
		UUID: ServiceUUIDDeviceInformation,
		Characteristics: []bt.GATTCharacteristic{
			{UUID: CharUUIDManufacturerName, Read: true, Value: []byte(info.Manufacturer)},
			{UUID: CharUUIDModelNumber, Read: true, Value: []byte(info.Model)},
			{UUID: CharUUIDFirmwareRevision, Read: true, Value: []byte(info.Firmware)},
			{UUID: CharUUIDSerialNumber, Read: true, Value: []byte(info.Serial)},
		},
	}
	if err := s.peripheral.AddService(disService); err != nil {
		return fmt.Errorf("register device information service: %w", err)
	}

	err := s.peripheral.ConfigureAdvertisement(bt.AdvertisementConfig{
		LocalName:    s.cfg.Name,
		ServiceUUIDs: []string{ServiceUUIDFTMS},
		Appearance:   s.cfg.Appearance,
	})
	if err != nil {
		return err
	}

	s.unlisten = s.peripheral.ListenToConnections(s.onConnection)

	if err := s.peripheral.StartAdvertising(); err != nil {
		return err
	}
	s.state.SetAdvertising(true)
	s.logger.Printf("FTMSServer: Advertising as %q", s.cfg.Name)
	return nil
}

// Submit queues a control point write. Safe to call from radio callbacks and
// from other goroutines; the write is handled on the next tick.
func (s *Server) Submit(value []byte) {
	buf := make([]byte, len(value))
	copy(buf, value)
	select {
	case s.writes <- buf:
	default:
		s.dropped.Add(1)
	}
}

func (s *Server) onConnection(ev bt.ConnectionEvent) {
	select {
	case s.connections <- ev:
	default:
		s.logger.Printf("FTMSServer: connection queue full, dropped event for %s", ev.Address)
	}
}

// Run ticks the server until ctx is cancelled
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-ticker.C:
			s.Tick(s.clock.Now())
		}
	}
}

// Tick applies queued events, keeps advertising alive and sends telemetry
func (s *Server) Tick(now time.Time) {
	s.drainConnections(now)
	s.drainWrites()

	if n := s.dropped.Swap(0); n > 0 {
		s.logger.Printf("FTMSServer: dropped %d control point writes", n)
	}

	if s.peripheral.ConnectedCount() == 0 {
		if !s.peripheral.IsAdvertising() {
			s.restartAdvertising()
		}
		s.state.SetAdvertising(s.peripheral.IsAdvertising())
		return
	}
	s.state.SetAdvertising(s.peripheral.IsAdvertising())

	if !s.lastTick.IsZero() && now.Sub(s.lastTick) < s.cfg.NotifyInterval {
		return
	}
	s.lastTick = now
	s.notifyTelemetry(now)
}

func (s *Server) drainConnections(now time.Time) {
	for {
		select {
		case ev := <-s.connections:
			if ev.Connected {
				s.logger.Printf("FTMSServer: App connected: %s", ev.Address)
			} else {
				s.logger.Printf("FTMSServer: App disconnected: %s", ev.Address)
				s.lastPayload = nil
			}
			s.state.SetAppConnected(s.peripheral.ConnectedCount() > 0, now)
		default:
			return
		}
	}
}

func (s *Server) drainWrites() {
	for {
		select {
		case value := <-s.writes:
			s.HandleControlPoint(value)
		default:
			return
		}
	}
}

func (s *Server) restartAdvertising() {
	if err := s.peripheral.StartAdvertising(); err != nil {
		s.logger.Printf("FTMSServer: restart advertising: %v", err)
		return
	}
	s.logger.Printf("FTMSServer: Advertising restarted")
}

func (s *Server) notifyTelemetry(now time.Time) {
	payload := EncodeTreadmillData(s.state.Telemetry())
	if s.cfg.NotifyDedupeWindow > 0 && bytes.Equal(payload, s.lastPayload) &&
		now.Sub(s.lastSentAt) < s.cfg.NotifyDedupeWindow {
		return
	}
	if err := s.peripheral.Notify(CharUUIDTreadmillData, payload); err != nil {
		s.logger.Printf("FTMSServer: treadmill data notify: %v", err)
		return
	}
	s.lastPayload = payload
	s.lastSentAt = now
	s.state.SetLastNotify(now)
}

// HandleControlPoint processes one control point write. Unknown op codes and
// short writes get no response at all.
func (s *Server) HandleControlPoint(value []byte) {
	if len(value) == 0 {
		return
	}
	op := value[0]
	switch op {
	case OpCodeRequestControl:
		s.logger.Printf("FTMSServer: Control requested")
		s.respond(op, []byte{StatusStartedOrResumed})

	case OpCodeSetTargetSpeed:
		if len(value) < 3 {
			return
		}
		raw := binary.LittleEndian.Uint16(value[1:3])
		s.state.SetPendingControl(bridge.ControlSpeed, int16(raw))
		s.logger.Printf("FTMSServer: Target speed %.2f km/h", float64(raw)/100)
		s.respond(op, []byte{StatusTargetSpeedChanged, value[1], value[2]})

	case OpCodeSetTargetInclination:
		if len(value) < 3 {
			return
		}
		raw := int16(binary.LittleEndian.Uint16(value[1:3]))
		s.state.SetPendingControl(bridge.ControlIncline, raw*10)
		s.logger.Printf("FTMSServer: Target incline %.1f%%", float64(raw)/10)
		s.respond(op, []byte{StatusTargetInclinationChanged, value[1], value[2]})

	case OpCodeStartOrResume:
		if !s.cfg.ExtendedControl {
			return
		}
		s.respond(op, []byte{StatusStartedOrResumed})

	case OpCodeStopOrPause:
		if !s.cfg.ExtendedControl {
			return
		}
		s.state.SetPendingControl(bridge.ControlSpeed, 0)
		s.logger.Printf("FTMSServer: Stop requested")
		s.respond(op, []byte{StatusStoppedOrPaused, StatusStopParameterStop})

	default:
		if s.cfg.ExtendedControl {
			s.logger.Printf("FTMSServer: Ignoring op code 0x%02X", op)
		}
	}
}

// respond sends the status notification and then the control point indication
func (s *Server) respond(op byte, status []byte) {
	if err := s.peripheral.Notify(CharUUIDStatus, status); err != nil {
		s.logger.Printf("FTMSServer: status notify for 0x%02X: %v", op, err)
	}
	if err := s.peripheral.Notify(CharUUIDControlPoint, []byte{OpCodeResponseCode, op, ResultSuccess}); err != nil {
		s.logger.Printf("FTMSServer: control point indicate for 0x%02X: %v", op, err)
	}
}

func (s *Server) Close() {
	if s.unlisten != nil {
		s.unlisten()
		s.unlisten = nil
	}
	if err := s.peripheral.StopAdvertising(); err != nil {
		s.logger.Printf("FTMSServer: stop advertising: %v", err)
	}
	s.state.SetAdvertising(false)
}
