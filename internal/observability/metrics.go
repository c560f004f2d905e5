package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cjeanneret/PanTrack/internal/ingest"
	"github.com/cjeanneret/PanTrack/internal/logic/tracking"
)

const namespace = "pantrack"

// StatusSource is implemented by *tracking.Generator.
type StatusSource interface {
	Status() tracking.Status
}

// LinkSource is implemented by the ingest sources.
type LinkSource interface {
	Stats() ingest.Stats
}

// Metrics exposes the motion loop and link counters on a private registry.
// Values are read from the sources at scrape time.
type Metrics struct {
	registry          *prometheus.Registry
	httpRequestsTotal *prometheus.CounterVec
}

// NewMetrics registers collectors for the given sources. Either may be nil.
func NewMetrics(gen StatusSource, link LinkSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
	}
	m.registry.MustRegister(m.httpRequestsTotal)

	if gen != nil {
		m.registry.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pulses_total",
				Help:      "STEP pulses emitted by the motion loop.",
			}, func() float64 { return float64(gen.Status().Pulses) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "step_rate_hz",
				Help:      "Commanded step rate.",
			}, func() float64 { return gen.Status().RateHz }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "driver_enabled",
				Help:      "1 while the driver ENABLE line is asserted.",
			}, func() float64 { return boolGauge(gen.Status().Enabled) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "error_px",
				Help:      "Latest tracking error seen by the motion loop.",
			}, func() float64 { return gen.Status().ErrorPx }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sample_age_seconds",
				Help:      "Age of the sample the motion loop is acting on (0 before the first sample).",
			}, func() float64 { return gen.Status().SampleAgeSeconds }),
		)
	}

	if link != nil {
		counter := func(name, help string, get func(ingest.Stats) uint64) prometheus.Collector {
			return prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      name,
				Help:      help,
			}, func() float64 { return float64(get(link.Stats())) })
		}
		m.registry.MustRegister(
			counter("samples_total", "Records carrying error_x.", func(s ingest.Stats) uint64 { return s.Samples }),
			counter("metadata_total", "Records without error_x.", func(s ingest.Stats) uint64 { return s.Metadata }),
			counter("malformed_total", "Records dropped as malformed.", func(s ingest.Stats) uint64 { return s.Malformed }),
			counter("sessions_total", "Connections established.", func(s ingest.Stats) uint64 { return s.Sessions }),
			counter("reconnects_total", "Reconnection attempts after a failure.", func(s ingest.Stats) uint64 { return s.Reconnects }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "connected",
				Help:      "1 while the link is connected.",
			}, func() float64 { return boolGauge(link.Stats().State == ingest.Connected.String()) }),
		)
	}
	return m
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming handlers working behind the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack supports protocol upgrades such as WebSocket.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T does not support hijacking", s.ResponseWriter)
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// WrapHandler counts requests to route by response status.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		}
	})
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
