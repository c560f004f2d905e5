package web

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/cjeanneret/PanTrack/internal/debug"
	"github.com/cjeanneret/PanTrack/internal/observability"
)

const shutdownTimeout = 5 * time.Second

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
	metrics  *observability.Metrics
}

// NewServer creates a server for addr. The handlers' static files are taken from the embedded FS
// unless already set.
func NewServer(addr string, h *Handlers, metrics *observability.Metrics) (*Server, error) {
	if h.staticFS == nil {
		sub, err := fs.Sub(staticFiles, "static")
		if err != nil {
			return nil, err
		}
		h.staticFS = sub
	}
	return &Server{addr: addr, handlers: h, metrics: metrics}, nil
}

// Router returns the route table without the outer middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	route := func(path string, fn http.HandlerFunc) {
		r.Handle(path, s.metrics.WrapHandler(path, fn)).Methods(http.MethodGet)
	}

	route("/status", s.handlers.HandleStatus)
	route("/status/stream", s.handlers.HandleStatusStream)
	route("/ws/telemetry", s.handlers.HandleTelemetry)
	route("/config", s.handlers.HandleConfig)
	route("/", s.handlers.ServeIndex)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	return r
}

// Handler returns the router wrapped with panic recovery and access logging.
func (s *Server) Handler() http.Handler {
	logged := handlers.LoggingHandler(accessLog{}, s.Router())
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLog{}))(logged)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.handlers.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		s.handlers.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// accessLog routes gorilla/handlers access lines into the verbose debug level.
type accessLog struct{}

func (accessLog) Write(p []byte) (int, error) {
	debug.Verbose("web: %s", strings.TrimSpace(string(p)))
	return len(p), nil
}

type recoveryLog struct{}

func (recoveryLog) Println(v ...interface{}) {
	debug.Warn("web: handler panic: %v", v)
}
