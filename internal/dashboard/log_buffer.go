package dashboard

import (
	"strings"
	"sync"

	"github.com/lowaak/treadmill-bridge/internal/events"
)

const maxLogLines = 1000

// LogBuffer keeps the most recent log lines for the log pane. It is an
// io.Writer so it can sit behind the logger next to the log file.
type LogBuffer struct {
	mu      sync.RWMutex
	lines   []string
	partial string
	event   *events.ChannelEvent[string]
}

func NewLogBuffer() *LogBuffer {
	return &LogBuffer{
		lines: make([]string, 0, maxLogLines),
		event: events.NewChannelEvent[string](false),
	}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	text := b.partial + string(p)
	parts := strings.Split(text, "\n")
	b.partial = parts[len(parts)-1]
	complete := parts[:len(parts)-1]
	b.lines = append(b.lines, complete...)
	if len(b.lines) > maxLogLines {
		b.lines = b.lines[len(b.lines)-maxLogLines:]
	}
	b.mu.Unlock()

	for _, line := range complete {
		b.event.Notify(line)
	}
	return len(p), nil
}

// Tail returns the last n complete lines
func (b *LogBuffer) Tail(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 {
		return []string{}
	}
	if n > len(b.lines) {
		n = len(b.lines)
	}
	result := make([]string, n)
	copy(result, b.lines[len(b.lines)-n:])
	return result
}

// Listen registers ch for new lines
func (b *LogBuffer) Listen(ch chan<- string) func() {
	return b.event.Listen(ch)
}
