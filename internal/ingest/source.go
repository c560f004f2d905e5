package ingest

import (
	"context"

	"github.com/cjeanneret/PanTrack/internal/config"
)

// Source is a long-lived producer of error samples.
type Source interface {
	Run(ctx context.Context) error
	State() State
	Sessions() uint64
	Stats() Stats
}

// NewSource builds the source selected by link.transport.
func NewSource(cfg *config.Config, sink Sink) Source {
	if cfg.Link.Transport == "mqtt" {
		return NewMQTTSource(MQTTConfig{
			Broker:         cfg.Link.MQTTBroker,
			Topic:          cfg.Link.MQTTTopic,
			ConnectTimeout: cfg.ConnectTimeout(),
			ReconnectDelay: cfg.ReconnectDelay(),
		}, sink)
	}
	return NewClient(Config{
		Address:        cfg.Address(),
		ConnectTimeout: cfg.ConnectTimeout(),
		ReadTimeout:    cfg.ReadTimeout(),
		ReconnectDelay: cfg.ReconnectDelay(),
		MaxRecordBytes: cfg.Link.MaxRecordBytes,
	}, sink)
}
