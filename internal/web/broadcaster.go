package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// subscriberBuffer is how many log events a slow SSE client may lag behind.
const subscriberBuffer = 64

// LogEvent is one log line pushed to /status/stream.
type LogEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// LogHub fans log lines out to every connected SSE client.
type LogHub struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	dropped atomic.Uint64
	now     func() time.Time
}

// NewLogHub returns an empty hub.
func NewLogHub() *LogHub {
	return &LogHub{
		clients: make(map[chan string]struct{}),
		now:     time.Now,
	}
}

// Subscribe registers a client. The returned cleanup must be called when the client goes away.
func (h *LogHub) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of connected clients.
func (h *LogHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were skipped because a client buffer was full.
func (h *LogHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Broadcast encodes an event and offers it to every client without blocking.
func (h *LogHub) Broadcast(level, msg string) {
	data, err := json.Marshal(LogEvent{
		Time:  h.now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	})
	if err != nil {
		return
	}
	payload := string(data)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- payload:
		default:
			h.dropped.Inc()
		}
	}
}

// Writer adapts the hub to an io.Writer so the debug logger can mirror into it.
func (h *LogHub) Writer() *hubWriter {
	return &hubWriter{h: h}
}

type hubWriter struct {
	h *LogHub
}

func (w *hubWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			w.h.Broadcast(levelOf(line), line)
		}
	}
	return len(p), nil
}

// levelOf maps the debug logger tags onto event levels.
func levelOf(line string) string {
	switch {
	case strings.Contains(line, "[ERROR]"):
		return "error"
	case strings.Contains(line, "[WARN]"):
		return "warn"
	case strings.Contains(line, "[LINK]"):
		return "link"
	case strings.Contains(line, "[LIVE]"):
		return "live"
	default:
		return "info"
	}
}
