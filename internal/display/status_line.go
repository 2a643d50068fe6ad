package display

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
)

const (
	clearLine = "\r\x1b[K"

	// DefaultStatusThrottle spaces status lines when output is not a terminal
	DefaultStatusThrottle = time.Second
)

// StatusLine keeps a single status line at the bottom of a terminal. Log
// output written through it scrolls above the line. On a plain file or pipe
// the line is printed at most once per throttle period instead.
type StatusLine struct {
	mu          sync.Mutex
	out         io.Writer
	interactive bool
	clock       bridge.Clock
	throttle    time.Duration
	line        string
	lastPrint   time.Time
}

var (
	_ Renderer  = (*StatusLine)(nil)
	_ io.Writer = (*StatusLine)(nil)
)

func NewStatusLine(out io.Writer, interactive bool, clock bridge.Clock) *StatusLine {
	return &StatusLine{
		out:         out,
		interactive: interactive,
		clock:       clock,
		throttle:    DefaultStatusThrottle,
	}
}

// IsTerminal reports whether f is attached to a terminal
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func (s *StatusLine) Render(snap bridge.Snapshot) {
	line := FormatStatusLine(snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.line = line
	if s.interactive {
		io.WriteString(s.out, clearLine+line)
		return
	}
	now := s.clock.Now()
	if s.lastPrint.IsZero() || now.Sub(s.lastPrint) > s.throttle {
		io.WriteString(s.out, line+"\n")
		s.lastPrint = now
	}
}

// Write prints a log record above the status line
func (s *StatusLine) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.interactive {
		return s.out.Write(p)
	}

	var buf bytes.Buffer
	buf.WriteString(clearLine)
	buf.Write(p)
	if len(p) == 0 || p[len(p)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString(s.line)
	if _, err := s.out.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}
