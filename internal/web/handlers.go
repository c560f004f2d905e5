package web

import (
	"encoding/json"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/PanTrack/internal/config"
	"github.com/cjeanneret/PanTrack/internal/debug"
	"github.com/cjeanneret/PanTrack/internal/ingest"
	"github.com/cjeanneret/PanTrack/internal/logic/tracking"
	"github.com/cjeanneret/PanTrack/internal/observability"
)

const (
	// DefaultPushInterval is the telemetry WebSocket refresh period.
	DefaultPushInterval = 100 * time.Millisecond

	heartbeatInterval = 30 * time.Second
	writeWait         = time.Second
)

// Snapshot is the JSON body of GET /status and of every telemetry frame.
type Snapshot struct {
	Time       string           `json:"time"`
	Mode       string           `json:"mode"`
	Motion     *tracking.Status `json:"motion,omitempty"`
	Link       *ingest.Stats    `json:"link,omitempty"`
	LogClients int              `json:"log_clients"`
}

// Settings is the subset of the configuration shown by GET /config.
type Settings struct {
	Transport      string  `json:"transport"`
	Address        string  `json:"address"`
	DeadbandPx     float64 `json:"deadband_px"`
	KpStepsPerPx   float64 `json:"kp_steps_per_px"`
	MinFrequencyHz float64 `json:"min_frequency_hz"`
	MaxFrequencyHz float64 `json:"max_frequency_hz"`
	TickUs         int     `json:"tick_us"`
	EnableHoldMs   int     `json:"enable_hold_ms"`
	BurstPolicy    string  `json:"burst_policy"`
	GPIOBackend    string  `json:"gpio_backend"`
}

// SettingsFrom extracts the displayed settings from cfg.
func SettingsFrom(cfg *config.Config) Settings {
	addr := cfg.Address()
	if cfg.Link.Transport == "mqtt" {
		addr = cfg.Link.MQTTBroker + "/" + cfg.Link.MQTTTopic
	}
	return Settings{
		Transport:      cfg.Link.Transport,
		Address:        addr,
		DeadbandPx:     cfg.Control.DeadbandPx,
		KpStepsPerPx:   cfg.Control.KpStepsPerPx,
		MinFrequencyHz: cfg.Control.MinFrequencyHz,
		MaxFrequencyHz: cfg.Control.MaxFrequencyHz,
		TickUs:         cfg.Control.TickUs,
		EnableHoldMs:   cfg.Control.EnableHoldMs,
		BurstPolicy:    cfg.Burst.Policy,
		GPIOBackend:    cfg.GPIOBackend(),
	}
}

// Handlers holds dependencies for HTTP handlers.
// Motion and Link may be nil (replay mode has no link and no rate generator).
type Handlers struct {
	Mode     string
	Motion   observability.StatusSource
	Link     observability.LinkSource
	Settings Settings
	Hub      *LogHub

	PushInterval time.Duration

	staticFS  fs.FS
	upgrader  websocket.Upgrader
	quit      chan struct{}
	closeOnce sync.Once
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(mode string, motion observability.StatusSource, link observability.LinkSource, settings Settings, hub *LogHub, staticFS fs.FS) *Handlers {
	if hub == nil {
		hub = NewLogHub()
	}
	return &Handlers{
		Mode:         mode,
		Motion:       motion,
		Link:         link,
		Settings:     settings,
		Hub:          hub,
		PushInterval: DefaultPushInterval,
		staticFS:     staticFS,
		upgrader: websocket.Upgrader{
			// The dashboard is served to the local network from this process.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		quit: make(chan struct{}),
	}
}

// Close ends every open telemetry stream. Hijacked connections are not tracked by http.Server.Shutdown.
func (h *Handlers) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}

func (h *Handlers) snapshot() Snapshot {
	s := Snapshot{
		Time:       time.Now().Format(time.RFC3339Nano),
		Mode:       h.Mode,
		LogClients: h.Hub.Subscribers(),
	}
	if h.Motion != nil {
		st := h.Motion.Status()
		s.Motion = &st
	}
	if h.Link != nil {
		st := h.Link.Stats()
		s.Link = &st
	}
	return s
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Warn("web: encode response: %v", err)
	}
}

// HandleStatus returns the current snapshot as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.snapshot())
}

// HandleConfig returns the effective settings as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Settings)
}

// ServeIndex serves the dashboard page.
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatusStream streams log lines as server-sent events.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Hub.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-h.quit:
			return

		case <-r.Context().Done():
			return
		}
	}
}

// HandleTelemetry upgrades to a WebSocket and pushes a snapshot every PushInterval.
// Messages from the client are read and discarded so a close is noticed.
func (h *Handlers) HandleTelemetry(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		debug.Verbose("web: telemetry upgrade: %v", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := h.PushInterval
	if interval <= 0 {
		interval = DefaultPushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(h.snapshot()); err != nil {
			debug.Verbose("web: telemetry client dropped: %v", err)
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-h.quit:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}
