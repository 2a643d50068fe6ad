package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlKind_String(t *testing.T) {
	assert.Equal(t, "Speed", ControlSpeed.String())
	assert.Equal(t, "Incline", ControlIncline.String())
	assert.Equal(t, "None", ControlNone.String())
	assert.Equal(t, "ControlKind(9)", ControlKind(9).String())
}

func TestState_PendingControl_TakeClears(t *testing.T) {
	s := NewState()

	_, ok := s.TakePendingControl()
	assert.False(t, ok)

	s.SetPendingControl(ControlSpeed, 550)
	pc, ok := s.TakePendingControl()
	require.True(t, ok)
	assert.Equal(t, PendingControl{Kind: ControlSpeed, Value: 550}, pc)

	_, ok = s.TakePendingControl()
	assert.False(t, ok, "a taken request must not be returned twice")
}

func TestState_PendingControl_LastWriteWins(t *testing.T) {
	s := NewState()
	s.SetPendingControl(ControlSpeed, 500)
	s.SetPendingControl(ControlIncline, 150)

	pc, ok := s.PeekPendingControl()
	require.True(t, ok)
	assert.Equal(t, ControlIncline, pc.Kind)

	pc, ok = s.TakePendingControl()
	require.True(t, ok)
	assert.Equal(t, PendingControl{Kind: ControlIncline, Value: 150}, pc)
}

func TestState_PendingControl_ConcurrentNeverLostOrDuplicated(t *testing.T) {
	s := NewState()
	const writes = 1000

	var taken int
	var mu sync.Mutex
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if _, ok := s.TakePendingControl(); ok {
				mu.Lock()
				taken++
				mu.Unlock()
			}
			select {
			case <-done:
				// final drain
				if _, ok := s.TakePendingControl(); ok {
					mu.Lock()
					taken++
					mu.Unlock()
				}
				return
			default:
			}
		}
	}()

	for i := 0; i < writes; i++ {
		s.SetPendingControl(ControlSpeed, int16(i))
	}
	close(done)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, taken, 1)
	assert.LessOrEqual(t, taken, writes)
	_, ok := s.TakePendingControl()
	assert.False(t, ok)
}

func TestState_Telemetry_NotifiesListeners(t *testing.T) {
	s := NewState()
	ch := make(chan Telemetry, 4)
	unregister := s.ListenToTelemetry(ch)
	defer unregister()

	tel := Telemetry{SpeedKph: 8.5, InclinePct: 2, DistanceM: 1200, ElapsedTimeS: 600, Calories: 77}
	s.SetTelemetry(tel)

	assert.Equal(t, tel, s.Telemetry())
	select {
	case got := <-ch:
		assert.Equal(t, tel, got)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for telemetry event")
	}
}

func TestState_ConnectionFlags(t *testing.T) {
	s := NewState()
	var seen []Snapshot
	unregister := s.ListenToConnections(func(snap Snapshot) {
		seen = append(seen, snap)
	})
	defer unregister()

	link := TreadmillLink{Name: "I_TL", Address: "AA:BB", SessionID: "abc"}
	s.SetTreadmillConnected(true, link)
	s.SetTreadmillConnected(true, link) // no change, no event
	now := time.Unix(100, 0)
	s.SetAppConnected(true, now)

	snap := s.Snapshot()
	assert.True(t, snap.ConnectedToTreadmill)
	assert.True(t, snap.ConnectedToApp)
	assert.Equal(t, link, snap.Treadmill)
	assert.Equal(t, now, s.LastAppActivity())
	require.Len(t, seen, 2)

	s.SetTreadmillConnected(false, link)
	assert.False(t, s.ConnectedToTreadmill())
	assert.Equal(t, TreadmillLink{}, s.Snapshot().Treadmill)
	assert.Len(t, seen, 3)
}

func TestState_SnapshotIsCopy(t *testing.T) {
	s := NewState()
	s.SetTelemetry(Telemetry{SpeedKph: 5})
	s.SetAdvertising(true)
	s.SetClientPhase("Connected")
	ts := time.Unix(42, 0)
	s.SetLastRx(ts)
	s.SetLastPoll(ts.Add(time.Second))
	s.SetLastNotify(ts.Add(2 * time.Second))

	snap := s.Snapshot()
	s.SetTelemetry(Telemetry{SpeedKph: 9})

	assert.Equal(t, 5.0, snap.Telemetry.SpeedKph)
	assert.True(t, snap.Advertising)
	assert.Equal(t, "Connected", snap.ClientPhase)
	assert.Equal(t, ts, snap.LastRx)
	assert.Equal(t, ts.Add(time.Second), snap.LastPoll)
	assert.Equal(t, ts.Add(2*time.Second), snap.LastNotify)
}

func TestFakeClock(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewFakeClock(start)
	assert.Equal(t, start, c.Now())

	c.Sleep(100 * time.Millisecond)
	c.Advance(time.Second)
	c.Sleep(500 * time.Millisecond)

	assert.Equal(t, start.Add(1600*time.Millisecond), c.Now())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 500 * time.Millisecond}, c.Sleeps())

	c.ResetSleeps()
	assert.Empty(t, c.Sleeps())
}
