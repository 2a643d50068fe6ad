package display

import (
	"log"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
)

const DefaultHeartbeatInterval = 2 * time.Second

// Heartbeat logs a summary line every interval
type Heartbeat struct {
	logger   *log.Logger
	clock    bridge.Clock
	interval time.Duration
	last     time.Time
}

var _ Renderer = (*Heartbeat)(nil)

func NewHeartbeat(interval time.Duration, clock bridge.Clock, logger *log.Logger) *Heartbeat {
	if logger == nil {
		panic("Heartbeat: logger cannot be nil")
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{logger: logger, clock: clock, interval: interval}
}

func (h *Heartbeat) Render(snap bridge.Snapshot) {
	now := h.clock.Now()
	if !h.last.IsZero() && now.Sub(h.last) <= h.interval {
		return
	}
	h.last = now
	h.logger.Println(FormatHeartbeat(snap))
}
