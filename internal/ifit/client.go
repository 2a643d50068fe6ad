package ifit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bt"
)

// Proprietary GATT layout
const (
	ServiceUUID = "00001533-1412-efde-1523-785feabcd123"
	TxCharUUID  = "00001534-1412-efde-1523-785feabcd123"
	RxCharUUID  = "00001535-1412-efde-1523-785feabcd123"

	DefaultDeviceName = "I_TL"
)

const (
	// PollSilence is how long the treadmill must be quiet before a poll
	PollSilence = 1000 * time.Millisecond
	// PollSpacing is the minimum gap between two polls
	PollSpacing = 1000 * time.Millisecond

	tickInterval = 50 * time.Millisecond
	rxQueueSize  = 64
)

var (
	ErrServiceNotFound = errors.New("ifit service not found")
	ErrNotConnected    = errors.New("treadmill not connected")
)

type ClientState int

const (
	StateIdle ClientState = iota
	StateScanning
	StateDeviceFound
	StateConnecting
	StateHandshaking
	StateConnected
)

func (s ClientState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScanning:
		return "Scanning"
	case StateDeviceFound:
		return "DeviceFound"
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// ClientConfig holds the central role timings and decoding options
type ClientConfig struct {
	DeviceName          string
	ScanInterval        time.Duration
	ScanDuration        time.Duration
	ConnectTimeout      time.Duration
	HandshakeFinalDelay time.Duration
	MinTelemetryLen     int
	Tracker             TrackerOptions
	// TelemetryStallTimeout drops the link when nothing was received for
	// this long; zero disables
	TelemetryStallTimeout time.Duration
	// IdleDisconnect drops the link (and stops scanning) when no app has
	// been connected for this long; zero disables
	IdleDisconnect time.Duration
	// Debug logs a hex dump of every chunk in both directions
	Debug bool
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DeviceName:          DefaultDeviceName,
		ScanInterval:        10 * time.Second,
		ScanDuration:        5 * time.Second,
		ConnectTimeout:      10 * time.Second,
		HandshakeFinalDelay: 2000 * time.Millisecond,
		MinTelemetryLen:     11,
	}
}

// Client is the central role. All of its state is owned by the goroutine
// calling Tick; BLE notifications reach it through a buffered channel.
type Client struct {
	cfg     ClientConfig
	manager bt.BTManagerInterface
	state   *bridge.State
	clock   bridge.Clock
	known   *KnownDeviceStore
	logger  *log.Logger
	ctx     context.Context

	phase         ClientState
	candidate     bt.BTDevice
	device        bt.BTDevice
	hasScanned    bool
	scanStartedAt time.Time
	connectedAt   time.Time
	sessionID     string

	rx          chan []byte
	droppedRx   atomic.Int64
	reassembler Reassembler
	tracker     *TelemetryTracker

	lastLoggedSpeed   float64
	lastLoggedIncline float64
}

func NewClient(
	cfg ClientConfig,
	manager bt.BTManagerInterface,
	state *bridge.State,
	clock bridge.Clock,
	known *KnownDeviceStore,
	logger *log.Logger,
) *Client {
	if logger == nil {
		panic("IFitClient: logger cannot be nil")
	}
	if manager == nil || state == nil || clock == nil {
		panic("IFitClient: manager, state and clock are required")
	}
	if known == nil {
		known = NewKnownDeviceStore("", logger)
	}
	return &Client{
		cfg:               cfg,
		manager:           manager,
		state:             state,
		clock:             clock,
		known:             known,
		logger:            logger,
		ctx:               context.Background(),
		phase:             StateIdle,
		rx:                make(chan []byte, rxQueueSize),
		tracker:           NewTelemetryTracker(cfg.Tracker),
		lastLoggedSpeed:   -1,
		lastLoggedIncline: -999,
	}
}

func (c *Client) Phase() ClientState {
	return c.phase
}

// SessionID identifies the current treadmill link; empty when not connected
func (c *Client) SessionID() string {
	return c.sessionID
}

// Run ticks the state machine until ctx is done, then releases the link
func (c *Client) Run(ctx context.Context) {
	c.ctx = ctx
	c.logger.Printf("IFitClient: Looking for %q", c.cfg.DeviceName)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-ticker.C:
			c.Tick(c.clock.Now())
		}
	}
}

// Tick advances the state machine by at most one phase
func (c *Client) Tick(now time.Time) {
	switch c.phase {
	case StateIdle:
		c.tickIdle(now)
	case StateScanning:
		c.tickScanning(now)
	case StateDeviceFound:
		c.tickConnect()
	case StateHandshaking:
		c.tickHandshake()
	case StateConnected:
		c.tickConnected(now)
	}
	c.state.SetClientPhase(c.phase.String())
}

func (c *Client) setPhase(phase ClientState) {
	if c.phase != phase {
		c.logger.Printf("IFitClient: %s -> %s", c.phase, phase)
	}
	c.phase = phase
	c.state.SetClientPhase(phase.String())
}

func (c *Client) tickIdle(now time.Time) {
	if c.candidate != nil || c.manager.IsScanning() {
		return
	}
	if c.cfg.IdleDisconnect > 0 && !c.state.ConnectedToApp() {
		// lazy mode: only look for the treadmill while an app is around
		return
	}
	if c.hasScanned && now.Sub(c.scanStartedAt) < c.cfg.ScanInterval {
		return
	}

	c.logger.Printf("IFitClient: Starting BLE scan")
	c.manager.StartScan(nil)
	c.hasScanned = true
	c.scanStartedAt = now
	c.setPhase(StateScanning)
}

func (c *Client) tickScanning(now time.Time) {
	known, hasKnown := c.known.Get()
	for _, dev := range c.manager.GetScanDevices() {
		nameMatch := dev.GetLocalName() == c.cfg.DeviceName
		addressMatch := hasKnown && dev.GetAddressString() == known.Address
		if !nameMatch && !addressMatch {
			continue
		}
		c.logger.Printf("IFitClient: Found treadmill %s (%s)", dev.GetLocalName(), dev.GetAddressString())
		c.stopScan()
		c.candidate = dev
		c.setPhase(StateDeviceFound)
		return
	}

	if now.Sub(c.scanStartedAt) >= c.cfg.ScanDuration {
		c.stopScan()
		c.setPhase(StateIdle)
	}
}

func (c *Client) stopScan() {
	if err := c.manager.StopScan(); err != nil {
		c.logger.Printf("IFitClient: Stop scan: %v", err)
	}
}

func (c *Client) tickConnect() {
	c.setPhase(StateConnecting)
	dev := c.candidate

	if err := c.connect(dev); err != nil {
		c.logger.Printf("IFitClient: Failed to connect: %v. Restarting scan...", err)
		c.device = dev
		c.teardown(true)
		return
	}
	c.device = dev
	c.setPhase(StateHandshaking)
}

func (c *Client) connect(dev bt.BTDevice) error {
	if err := c.manager.Connect(dev); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := dev.WaitForConnection(c.ctx, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("wait for connection: %w", err)
	}

	if err := dev.ResolveCharacteristic(ServiceUUID, TxCharUUID); err != nil {
		if errors.Is(err, bt.ErrServiceNotFound) {
			return fmt.Errorf("%w: %w", ErrServiceNotFound, err)
		}
		return fmt.Errorf("resolve tx characteristic: %w", err)
	}
	if err := dev.EnableNotifications(ServiceUUID, RxCharUUID, c.onNotification); err != nil {
		if errors.Is(err, bt.ErrServiceNotFound) {
			return fmt.Errorf("%w: %w", ErrServiceNotFound, err)
		}
		return fmt.Errorf("subscribe rx characteristic: %w", err)
	}
	return nil
}

// onNotification runs on the BLE stack goroutine
func (c *Client) onNotification(buf []byte) {
	chunk := make([]byte, len(buf))
	copy(chunk, buf)
	select {
	case c.rx <- chunk:
	default:
		c.droppedRx.Add(1)
	}
}

func (c *Client) tickHandshake() {
	c.reassembler.Reset()
	c.tracker.Reset()

	c.logger.Printf("IFitClient: Performing handshake")
	for _, step := range HandshakeScript(c.cfg.HandshakeFinalDelay) {
		if err := c.sendChunked(step.Payload); err != nil {
			// no retry; a failed step only shows up as missing telemetry
			c.logger.Printf("IFitClient: Handshake %s: %v", step.Name, err)
		}
		c.clock.Sleep(step.Delay)
	}

	now := c.clock.Now()
	c.connectedAt = now
	c.sessionID = uuid.NewString()

	link := bridge.TreadmillLink{
		Name:      c.device.GetLocalName(),
		Address:   c.device.GetAddressString(),
		SessionID: c.sessionID,
	}
	c.state.SetTreadmillConnected(true, link)
	c.known.Remember(KnownDevice{Address: link.Address, Name: link.Name, LastConnect: time.Now()})
	c.logger.Printf("IFitClient: Handshake complete, session %s", c.sessionID)
	c.setPhase(StateConnected)
}

func (c *Client) tickConnected(now time.Time) {
	if c.device == nil || !c.device.IsConnected() {
		c.logger.Printf("IFitClient: Disconnected from treadmill")
		c.teardown(false)
		return
	}

	c.drainRx(now)

	if c.stalled(now) {
		c.logger.Printf("IFitClient: Telemetry stalled > %v, reconnecting", c.cfg.TelemetryStallTimeout)
		c.teardown(true)
		return
	}
	if c.idle(now) {
		c.logger.Printf("IFitClient: No app for %v, releasing treadmill", c.cfg.IdleDisconnect)
		c.teardown(true)
		return
	}

	if pc, ok := c.state.TakePendingControl(); ok {
		c.logger.Printf("IFitClient: Sending control %s=%d", pc.Kind, pc.Value)
		if err := c.sendChunked(EncodeControl(pc.Kind, pc.Value)); err != nil {
			c.logger.Printf("IFitClient: Control write: %v", err)
		}
		// a control command also serves as a poll
		c.state.SetLastPoll(now)
		return
	}

	if shouldPoll(now, c.state.LastRx(), c.state.LastPoll()) {
		c.state.SetLastPoll(now)
		if err := c.sendChunked(pollCommand); err != nil {
			c.logger.Printf("IFitClient: Poll write: %v", err)
		}
	}
}

// shouldPoll is true only after PollSilence without data and PollSpacing
// since the last poll
func shouldPoll(now, lastRx, lastPoll time.Time) bool {
	return now.Sub(lastRx) > PollSilence && now.Sub(lastPoll) > PollSpacing
}

func (c *Client) stalled(now time.Time) bool {
	if c.cfg.TelemetryStallTimeout <= 0 {
		return false
	}
	ref := c.state.LastRx()
	if c.connectedAt.After(ref) {
		ref = c.connectedAt
	}
	return now.Sub(ref) > c.cfg.TelemetryStallTimeout
}

func (c *Client) idle(now time.Time) bool {
	if c.cfg.IdleDisconnect <= 0 || c.state.ConnectedToApp() {
		return false
	}
	ref := c.state.LastAppActivity()
	if c.connectedAt.After(ref) {
		ref = c.connectedAt
	}
	return now.Sub(ref) > c.cfg.IdleDisconnect
}

func (c *Client) drainRx(now time.Time) {
	if dropped := c.droppedRx.Swap(0); dropped > 0 {
		c.logger.Printf("IFitClient: Dropped %d notifications (queue full)", dropped)
	}
	for {
		select {
		case chunk := <-c.rx:
			c.handleChunk(chunk, now)
		default:
			return
		}
	}
}

func (c *Client) handleChunk(chunk []byte, now time.Time) {
	c.state.SetLastRx(now)
	if c.cfg.Debug {
		c.logger.Printf("IFitClient: RX (len=%d): % X", len(chunk), chunk)
	}

	payload, ok := c.reassembler.Feed(chunk)
	if !ok || !AcceptTelemetry(payload, c.cfg.MinTelemetryLen) {
		return
	}

	tel := c.tracker.Apply(payload, c.state.Telemetry(), now)
	c.state.SetTelemetry(tel)

	if math.Abs(tel.SpeedKph-c.lastLoggedSpeed) > 0.1 || math.Abs(tel.InclinePct-c.lastLoggedIncline) > 0.1 {
		c.logger.Printf("IFitClient: Telemetry speed=%.1f kph incline=%.1f%% distance=%d m",
			tel.SpeedKph, tel.InclinePct, tel.DistanceM)
		c.lastLoggedSpeed = tel.SpeedKph
		c.lastLoggedIncline = tel.InclinePct
	}
}

// sendChunked writes payload through the codec with the fixed inter-chunk delay
func (c *Client) sendChunked(payload []byte) error {
	if c.device == nil {
		return ErrNotConnected
	}
	for _, chunk := range EncodeChunks(payload) {
		if c.cfg.Debug {
			c.logger.Printf("IFitClient: TX (len=%d): % X", len(chunk), chunk)
		}
		if err := c.device.WriteCharacteristic(ServiceUUID, TxCharUUID, chunk); err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
		c.clock.Sleep(ChunkDelay)
	}
	return nil
}

// teardown releases the link and returns to Idle
func (c *Client) teardown(disconnect bool) {
	if c.device != nil {
		if disconnect && c.device.IsConnected() {
			if err := c.device.DisableNotifications(ServiceUUID, RxCharUUID); err != nil {
				c.logger.Printf("IFitClient: Unsubscribe: %v", err)
			}
		}
		if err := c.manager.Disconnect(c.device); err != nil {
			c.logger.Printf("IFitClient: Disconnect: %v", err)
		}
	}
	c.device = nil
	c.candidate = nil
	c.sessionID = ""
	c.connectedAt = time.Time{}
	c.reassembler.Reset()
	for len(c.rx) > 0 {
		<-c.rx
	}
	if c.state.ConnectedToTreadmill() {
		c.state.SetTreadmillConnected(false, bridge.TreadmillLink{})
	}
	c.setPhase(StateIdle)
}

func (c *Client) shutdown() {
	c.logger.Printf("IFitClient: Shutting down")
	if c.manager.IsScanning() {
		c.stopScan()
	}
	if c.device != nil {
		c.teardown(true)
	}
}
