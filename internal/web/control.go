package web

import (
	"errors"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/ftms"
)

var ErrInvalidControl = errors.New("exactly one of speed_kph or incline_pct is required")

// ControlRequest asks for a new target speed or incline. It travels the same
// path as an FTMS control point write from an app.
type ControlRequest struct {
	SpeedKph   *float64 `json:"speed_kph,omitempty"`
	InclinePct *float64 `json:"incline_pct,omitempty"`
}

// ControlPointWrite converts the request into the equivalent control point
// write
func (c ControlRequest) ControlPointWrite() ([]byte, error) {
	switch {
	case c.SpeedKph != nil && c.InclinePct == nil:
		if *c.SpeedKph < 0 {
			return nil, errors.New("speed_kph must not be negative")
		}
		return ftms.EncodeSetTargetSpeed(*c.SpeedKph), nil
	case c.InclinePct != nil && c.SpeedKph == nil:
		return ftms.EncodeSetTargetInclination(*c.InclinePct), nil
	default:
		return nil, ErrInvalidControl
	}
}
