package ingest

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/cjeanneret/PanTrack/internal/debug"
)

// MQTTConfig holds the broker link parameters.
type MQTTConfig struct {
	Broker         string // e.g. tcp://10.0.0.2:1883
	Topic          string
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
}

// MQTTSource subscribes to a topic whose messages carry one JSON record each,
// in the same format as the TCP stream. Reconnection is left to paho, with
// the fixed delay as both first and maximum interval.
type MQTTSource struct {
	*feed
	cfg      MQTTConfig
	clientID string
}

// NewMQTTSource creates a source publishing to sink.
func NewMQTTSource(cfg MQTTConfig, sink Sink) *MQTTSource {
	return &MQTTSource{
		feed:     newFeed(sink),
		cfg:      cfg,
		clientID: "pantrack-" + uuid.New().String(),
	}
}

func (s *MQTTSource) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.clientID)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(s.cfg.ReconnectDelay)
	opts.SetMaxReconnectInterval(s.cfg.ReconnectDelay)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setState(Disconnected, err.Error())
		debug.Warn("Link: mqtt connection lost: %v. Retrying in %v...", err, s.cfg.ReconnectDelay)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		s.reconnects.Inc()
		s.setState(Connecting, s.cfg.Broker)
	})
	return opts
}

func (s *MQTTSource) onConnect(c mqtt.Client) {
	s.session.Store(s.clientID)
	s.sessions.Inc()
	s.setState(Connected, s.cfg.Broker+" as "+s.clientID)
	tok := c.Subscribe(s.cfg.Topic, 0, s.onMessage)
	go func() {
		if tok.Wait() && tok.Error() != nil {
			debug.Warn("Link: subscribe %s: %v", s.cfg.Topic, tok.Error())
			return
		}
		debug.Info("Link: subscribed to %s", s.cfg.Topic)
	}()
}

func (s *MQTTSource) onMessage(_ mqtt.Client, m mqtt.Message) {
	s.handle(m.Payload())
}

// Run connects to the broker and delivers records until ctx is done.
// It returns nil on cancellation.
func (s *MQTTSource) Run(ctx context.Context) error {
	debug.Info("Link: mqtt %s topic %s", s.cfg.Broker, s.cfg.Topic)
	client := mqtt.NewClient(s.options())
	s.setState(Connecting, s.cfg.Broker)
	// With connect retry enabled the token only completes once connected.
	client.Connect()

	<-ctx.Done()
	client.Disconnect(250)
	s.setState(Disconnected, "shutdown")
	return nil
}

// State returns the current connection state.
func (s *MQTTSource) State() State {
	return State(s.state.Load())
}

// Sessions returns the number of broker connections established so far.
func (s *MQTTSource) Sessions() uint64 {
	return s.sessions.Load()
}

// Stats returns a snapshot of the link counters.
func (s *MQTTSource) Stats() Stats {
	return s.stats()
}
