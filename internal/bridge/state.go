package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/events"
)

// ControlKind is the proprietary command type tag
type ControlKind uint8

const (
	ControlNone    ControlKind = 0
	ControlSpeed   ControlKind = 1
	ControlIncline ControlKind = 2
)

func (k ControlKind) String() string {
	switch k {
	case ControlSpeed:
		return "Speed"
	case ControlIncline:
		return "Incline"
	case ControlNone:
		return "None"
	default:
		return fmt.Sprintf("ControlKind(%d)", uint8(k))
	}
}

// PendingControl is a single outbound request waiting for the iFit client.
// Speed values are 0.01 km/h, incline values are 0.01 %.
type PendingControl struct {
	Kind  ControlKind
	Value int16
}

// Telemetry holds the most recent decoded treadmill values
type Telemetry struct {
	SpeedKph     float64 `json:"speed_kph"`
	InclinePct   float64 `json:"incline_pct"`
	DistanceM    uint32  `json:"distance_m"`
	ElapsedTimeS uint32  `json:"elapsed_time_s"`
	Calories     uint32  `json:"calories"`
}

// TreadmillLink describes the currently connected treadmill
type TreadmillLink struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	SessionID string `json:"session_id"`
}

// Snapshot is a read-only copy of State for collaborators
type Snapshot struct {
	ConnectedToTreadmill bool           `json:"connected_to_treadmill"`
	ConnectedToApp       bool           `json:"connected_to_app"`
	Advertising          bool           `json:"advertising"`
	ClientPhase          string         `json:"client_phase"`
	Treadmill            TreadmillLink  `json:"treadmill"`
	Telemetry            Telemetry      `json:"telemetry"`
	HasPendingControl    bool           `json:"has_pending_control"`
	PendingControl       PendingControl `json:"pending_control"`
	LastRx               time.Time      `json:"last_rx"`
	LastPoll             time.Time      `json:"last_poll"`
	LastNotify           time.Time      `json:"last_notify"`
}

// State is the record shared by the iFit client and the FTMS server.
// Every field has a single writer role:
//   - telemetry, treadmill link, client phase, LastRx, LastPoll: iFit client
//   - app connection, advertising, LastNotify: FTMS server
//   - pending control: written by the FTMS server, taken by the iFit client
type State struct {
	mu sync.RWMutex

	connectedToTreadmill bool
	connectedToApp       bool
	advertising          bool
	clientPhase          string
	treadmill            TreadmillLink

	telemetry Telemetry

	hasPending bool
	pending    PendingControl

	lastRx          time.Time
	lastPoll        time.Time
	lastNotify      time.Time
	lastAppActivity time.Time

	telemetryEvent  *events.ChannelEvent[Telemetry]
	connectionEvent *events.CallbackEvent[Snapshot]
}

func NewState() *State {
	return &State{
		clientPhase:     "Idle",
		telemetryEvent:  events.NewChannelEvent[Telemetry](true),
		connectionEvent: events.NewCallbackEvent[Snapshot](false),
	}
}

// --- telemetry ---

// SetTelemetry replaces the telemetry fields and notifies telemetry listeners
func (s *State) SetTelemetry(t Telemetry) {
	s.mu.Lock()
	s.telemetry = t
	s.mu.Unlock()
	s.telemetryEvent.Notify(t)
}

func (s *State) Telemetry() Telemetry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.telemetry
}

// ListenToTelemetry registers a channel to receive every telemetry update
// Returns a deregistration function that can be called to remove the listener
func (s *State) ListenToTelemetry(ch chan<- Telemetry) func() {
	return s.telemetryEvent.Listen(ch)
}

// --- pending control ---

// SetPendingControl stores a control request, replacing any request that
// has not been taken yet.
func (s *State) SetPendingControl(kind ControlKind, value int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = PendingControl{Kind: kind, Value: value}
	s.hasPending = true
}

// TakePendingControl returns and clears the pending request in one step
func (s *State) TakePendingControl() (PendingControl, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasPending {
		return PendingControl{}, false
	}
	pc := s.pending
	s.hasPending = false
	s.pending = PendingControl{}
	return pc, true
}

// PeekPendingControl returns the pending request without clearing it
func (s *State) PeekPendingControl() (PendingControl, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending, s.hasPending
}

// --- connection flags ---

// SetTreadmillConnected is called by the iFit client when its link comes up
// or goes down. link is ignored when connected is false.
func (s *State) SetTreadmillConnected(connected bool, link TreadmillLink) {
	s.mu.Lock()
	changed := s.connectedToTreadmill != connected
	s.connectedToTreadmill = connected
	if connected {
		s.treadmill = link
	} else {
		s.treadmill = TreadmillLink{}
	}
	s.mu.Unlock()
	if changed {
		s.connectionEvent.Notify(s.Snapshot())
	}
}

func (s *State) ConnectedToTreadmill() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedToTreadmill
}

// SetAppConnected is called by the FTMS server on app connect / disconnect
func (s *State) SetAppConnected(connected bool, at time.Time) {
	s.mu.Lock()
	changed := s.connectedToApp != connected
	s.connectedToApp = connected
	s.lastAppActivity = at
	s.mu.Unlock()
	if changed {
		s.connectionEvent.Notify(s.Snapshot())
	}
}

func (s *State) ConnectedToApp() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedToApp
}

// LastAppActivity is the time of the last app connect or disconnect
func (s *State) LastAppActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAppActivity
}

func (s *State) SetAdvertising(advertising bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advertising = advertising
}

func (s *State) Advertising() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.advertising
}

// ListenToConnections registers a callback for treadmill / app connection
// changes. Returns a deregistration function.
func (s *State) ListenToConnections(callback func(Snapshot)) func() {
	return s.connectionEvent.Listen(callback)
}

// SetClientPhase records the iFit client state machine phase for display
func (s *State) SetClientPhase(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientPhase = phase
}

// --- timestamps ---

func (s *State) SetLastRx(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRx = t
}

func (s *State) LastRx() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRx
}

func (s *State) SetLastPoll(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPoll = t
}

func (s *State) LastPoll() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPoll
}

func (s *State) SetLastNotify(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastNotify = t
}

func (s *State) LastNotify() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastNotify
}

// Snapshot returns a consistent copy of the whole record
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ConnectedToTreadmill: s.connectedToTreadmill,
		ConnectedToApp:       s.connectedToApp,
		Advertising:          s.advertising,
		ClientPhase:          s.clientPhase,
		Treadmill:            s.treadmill,
		Telemetry:            s.telemetry,
		HasPendingControl:    s.hasPending,
		PendingControl:       s.pending,
		LastRx:               s.lastRx,
		LastPoll:             s.lastPoll,
		LastNotify:           s.lastNotify,
	}
}
