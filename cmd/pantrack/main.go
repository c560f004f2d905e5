package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/PanTrack/internal/config"
	"github.com/cjeanneret/PanTrack/internal/debug"
	"github.com/cjeanneret/PanTrack/internal/hw/gpio"
	"github.com/cjeanneret/PanTrack/internal/hw/stepper"
	"github.com/cjeanneret/PanTrack/internal/ingest"
	"github.com/cjeanneret/PanTrack/internal/logic/motion"
	"github.com/cjeanneret/PanTrack/internal/logic/policy"
	"github.com/cjeanneret/PanTrack/internal/logic/replay"
	"github.com/cjeanneret/PanTrack/internal/logic/tracking"
	"github.com/cjeanneret/PanTrack/internal/observability"
	"github.com/cjeanneret/PanTrack/internal/web"
)

// Exit codes.
const (
	exitOK     = 0
	exitFault  = 1 // hardware or runtime fault
	exitConfig = 2 // bad flags or configuration, nothing engaged
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	cancel()
	os.Exit(code)
}

// options holds the command line. Zero values leave the config untouched.
type options struct {
	configPath  string
	host        string
	port        int
	reconnectMs int
	replayFile  string
	policy      string
	web         webPortFlag
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{web: webPortFlag{defaultPort: 8080}}
	fs := flag.NewFlagSet("pantrack", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", filepath.Join("configs", "default.yaml"), "path to config file")
	fs.StringVar(&opts.host, "host", "", "vision server host (overrides link.host)")
	fs.IntVar(&opts.port, "port", 0, "vision server port (overrides link.port)")
	fs.IntVar(&opts.reconnectMs, "reconnect", 0, "reconnect delay in ms (overrides link.reconnect_delay_ms)")
	fs.StringVar(&opts.replayFile, "replay", "", "replay error_x values from a tab/comma separated file instead of the network")
	fs.StringVar(&opts.policy, "policy", "", "one-shot policy for replay: linear or angle (overrides burst.policy)")
	fs.Var(&opts.web, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// loadConfig reads the file and applies the command line on top of it.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.host != "" {
		cfg.Link.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Link.Port = opts.port
	}
	if opts.reconnectMs != 0 {
		cfg.Link.ReconnectDelayMs = opts.reconnectMs
	}
	if opts.replayFile != "" {
		cfg.Replay.File = opts.replayFile
	}
	if opts.policy != "" {
		cfg.Burst.Policy = opts.policy
	}
	if p := opts.web.port(); p > 0 {
		cfg.Web.Port = p
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run is main without the process exit, returning the exit code.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "pantrack: %v\n", err)
		return exitConfig
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "pantrack: %v\n", err)
		return exitConfig
	}

	debug.InitFile(cfg.Defaults.DebugLevel, cfg.Defaults.LogFile)
	defer debug.Close()
	debug.Section("Initialization")
	debug.Value("Config path", opts.configPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// Everything that can be rejected is checked before the driver is touched.
	var (
		frames []replay.Frame
		moves  policy.MovePolicy
	)
	replayMode := cfg.Replay.File != ""
	if replayMode {
		if frames, err = replay.LoadFile(cfg.Replay.File); err != nil {
			fmt.Fprintf(stderr, "pantrack: %v\n", err)
			return exitConfig
		}
		if moves, err = policy.NewMovePolicy(cfg); err != nil {
			fmt.Fprintf(stderr, "pantrack: %v\n", err)
			return exitConfig
		}
	} else if err := cfg.ValidateLive(); err != nil {
		fmt.Fprintf(stderr, "pantrack: %v (use -host or set link.host)\n", err)
		return exitConfig
	}

	debug.Step(1, "Initializing GPIO driver")
	debug.Value("GPIO backend", cfg.GPIOBackend())
	driver, err := gpio.NewDriver(cfg.GPIOBackend(), cfg.Defaults.GPIOChip)
	if err != nil {
		fmt.Fprintf(stderr, "pantrack: init GPIO: %v\n", err)
		return exitFault
	}

	debug.Step(2, "Initializing stepper")
	debug.PrintStruct("Stepper config", cfg.Stepper)
	axis, err := stepper.NewStepper(driver, stepper.Config{
		StepPin:       cfg.Stepper.StepPin,
		DirPin:        cfg.Stepper.DirPin,
		EnablePin:     cfg.Stepper.EnablePin,
		StepsPerRev:   cfg.Stepper.StepsPerRev,
		Microstepping: cfg.Stepper.Microstepping,
		InvertDir:     cfg.Stepper.InvertDir,
		StepDelay:     cfg.BurstPulse(),
	})
	if err != nil {
		fmt.Fprintf(stderr, "pantrack: init stepper: %v\n", multierr.Append(err, driver.Close()))
		return exitFault
	}
	defer func() {
		if err := multierr.Combine(axis.Release(), driver.Close()); err != nil {
			fmt.Fprintf(stderr, "pantrack: release driver: %v\n", err)
		}
	}()

	if replayMode {
		err = runReplay(ctx, cfg, axis, moves, frames)
	} else {
		err = runLive(ctx, cfg, axis)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		debug.Error(err)
		fmt.Fprintf(stderr, "pantrack: %v\n", err)
		return exitFault
	}
	debug.Info("Shutdown complete")
	return exitOK
}

// runLive runs network ingest, the motion generator and the optional web
// server until ctx is done or one of them fails.
func runLive(ctx context.Context, cfg *config.Config, axis *stepper.Stepper) error {
	cell := tracking.NewCell()
	src := ingest.NewSource(cfg, cell)
	gen := tracking.NewGenerator(cell, policy.NewDeadband(cfg.Control), axis, tracking.GeneratorConfig{
		Period:     cfg.TickPeriod(),
		PulseWidth: cfg.PulseWidth(),
		EnableHold: cfg.EnableHold(),
	})

	debug.Summary("Live tracking")
	debug.Value("Transport", cfg.Link.Transport)
	debug.Value("Server", web.SettingsFrom(cfg).Address)
	debug.PrintStruct("Control", cfg.Control)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return src.Run(gctx) })
	g.Go(func() error { return gen.Run(gctx) })
	if cfg.Web.Port > 0 {
		srv, err := newWebServer(cfg, "live", gen, src)
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Run(gctx) })
	}
	return g.Wait()
}

// runReplay feeds the frames through the one-shot policy. The web server,
// when enabled, stops with the replay.
func runReplay(ctx context.Context, cfg *config.Config, axis *stepper.Stepper, moves policy.MovePolicy, frames []replay.Frame) error {
	ctrl := motion.NewController(axis, motion.BurstConfig{
		PulseWidth:  cfg.BurstPulse(),
		SetupDelay:  cfg.SetupDelay(),
		IdleDisable: cfg.IdleDisable(),
	})
	seq := replay.NewSequence(moves, ctrl, cfg.FrameDelay())

	rctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(rctx)
	g.Go(func() error {
		defer stop()
		_, err := seq.Run(gctx, frames)
		return err
	})
	if cfg.Web.Port > 0 {
		srv, err := newWebServer(cfg, "replay", nil, nil)
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Run(gctx) })
	}
	return g.Wait()
}

// newWebServer wires the status server and mirrors the log into its SSE stream.
// Nil sources are left out of the snapshot and the metrics.
func newWebServer(cfg *config.Config, mode string, gen *tracking.Generator, src ingest.Source) (*web.Server, error) {
	var (
		status observability.StatusSource
		link   observability.LinkSource
	)
	if gen != nil {
		status = gen
	}
	if src != nil {
		link = src
	}

	hub := web.NewLogHub()
	debug.SetOutput(io.MultiWriter(debug.Output(), hub.Writer()))

	h := web.NewHandlers(mode, status, link, web.SettingsFrom(cfg), hub, nil)
	return web.NewServer(fmt.Sprintf(":%d", cfg.Web.Port), h, observability.NewMetrics(status, link))
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
