package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/PanTrack/internal/debug"
)

// ErrPeerClosed is reported when the server ends the stream.
var ErrPeerClosed = errors.New("server closed the connection")

// Config holds the TCP link parameters.
type Config struct {
	Address        string        // host:port
	ConnectTimeout time.Duration // bound on one connection attempt
	ReadTimeout    time.Duration // silence longer than this drops the connection; 0 = none
	ReconnectDelay time.Duration // fixed wait between attempts
	MaxRecordBytes int           // longest accepted line
}

// Client keeps a TCP connection to the vision host and publishes every
// error_x record it receives. It reconnects after any failure, forever.
type Client struct {
	*feed
	cfg Config
}

// NewClient creates a client publishing to sink.
func NewClient(cfg Config, sink Sink) *Client {
	if cfg.MaxRecordBytes <= 0 {
		cfg.MaxRecordBytes = 64 * 1024
	}
	return &Client{feed: newFeed(sink), cfg: cfg}
}

// Run connects, reads and reconnects until ctx is done. It returns nil on
// cancellation and never returns on its own.
func (c *Client) Run(ctx context.Context) error {
	debug.Info("Link: tcp %s (reconnect every %v)", c.cfg.Address, c.cfg.ReconnectDelay)
	for {
		err := c.connect(ctx)
		if ctx.Err() != nil {
			c.setState(Disconnected, "shutdown")
			return nil
		}
		c.setState(Disconnected, err.Error())
		debug.Warn("Link: %v. Retrying in %v...", err, c.cfg.ReconnectDelay)

		t := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		c.reconnects.Inc()
	}
}

// connect runs one connection until it fails. It always returns a non-nil error.
func (c *Client) connect(ctx context.Context) error {
	c.setState(Connecting, c.cfg.Address)
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.Address, err)
	}
	defer conn.Close()
	// Unblocks a pending read on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	id := uuid.New().String()
	c.session.Store(id)
	c.sessions.Inc()
	c.setState(Connected, fmt.Sprintf("%s session %s", c.cfg.Address, id))

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), c.cfg.MaxRecordBytes)
	for {
		if c.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
				return fmt.Errorf("set read deadline: %w", err)
			}
		}
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return fmt.Errorf("read: %w", err)
			}
			return ErrPeerClosed
		}
		c.handle(sc.Bytes())
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Sessions returns the number of connections established so far.
func (c *Client) Sessions() uint64 {
	return c.sessions.Load()
}

// Stats returns a snapshot of the link counters.
func (c *Client) Stats() Stats {
	return c.stats()
}
