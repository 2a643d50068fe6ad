package display

import "github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"

// Renderer receives a read-only snapshot at a fixed cadence
type Renderer interface {
	Render(snap bridge.Snapshot)
}

// Multi fans one snapshot out to several renderers
type Multi []Renderer

func (m Multi) Render(snap bridge.Snapshot) {
	for _, r := range m {
		r.Render(snap)
	}
}

// Nop discards snapshots
type Nop struct{}

func (Nop) Render(bridge.Snapshot) {}
