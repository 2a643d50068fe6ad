package display

import (
	"strings"
	"sync"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/events"
)

const maxLogLines = 1000

// LogBuffer keeps the most recent log lines for the dashboard log pane. It is
// an io.Writer so it can sit behind a log.Logger.
type LogBuffer struct {
	mu       sync.RWMutex
	lines    []string
	partial  strings.Builder
	logEvent *events.ChannelEvent[string]
}

func NewLogBuffer() *LogBuffer {
	return &LogBuffer{
		lines:    make([]string, 0, maxLogLines),
		logEvent: events.NewChannelEvent[string](false),
	}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.partial.Write(p)
	text := b.partial.String()
	b.partial.Reset()

	var complete []string
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		complete = append(complete, text[:idx])
		text = text[idx+1:]
	}
	b.partial.WriteString(text)

	b.lines = append(b.lines, complete...)
	if len(b.lines) > maxLogLines {
		b.lines = b.lines[len(b.lines)-maxLogLines:]
	}
	b.mu.Unlock()

	for _, line := range complete {
		b.logEvent.Notify(line)
	}
	return len(p), nil
}

// ListenToLog registers a channel that receives each completed line
// Returns a deregistration function
func (b *LogBuffer) ListenToLog(ch chan<- string) func() {
	return b.logEvent.Listen(ch)
}

// GetLogTail returns the last n lines
func (b *LogBuffer) GetLogTail(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 {
		return []string{}
	}
	if n >= len(b.lines) {
		result := make([]string, len(b.lines))
		copy(result, b.lines)
		return result
	}
	result := make([]string, n)
	copy(result, b.lines[len(b.lines)-n:])
	return result
}
