package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultStream is the JetStream stream holding engine events.
const DefaultStream = "SEMREPLY"

// NATSConfig configures the JetStream publisher.
type NATSConfig struct {
	URL    string        `yaml:"url" json:"url"`
	Stream string        `yaml:"stream" json:"stream"`
	MaxAge time.Duration `yaml:"max_age" json:"max_age"`
}

// NATSPublisher publishes envelopes to a JetStream stream.
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream string
	source string
	logger *slog.Logger
}

// Connect dials NATS and ensures the event stream exists.
func Connect(ctx context.Context, cfg NATSConfig, source string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(source),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{SubjectPrefix + ">"},
		MaxAge:   cfg.MaxAge,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	logger.Info("Event publisher connected", "url", cfg.URL, "stream", cfg.Stream)

	return &NATSPublisher{
		conn:   nc,
		js:     js,
		stream: cfg.Stream,
		source: source,
		logger: logger,
	}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, eventType, key string, payload any) error {
	env, err := NewEnvelope(eventType, p.source, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := Subject(eventType, key)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	p.logger.Debug("Published event", "subject", subject)
	return nil
}

// JetStream returns the underlying JetStream context.
func (p *NATSPublisher) JetStream() jetstream.JetStream {
	return p.js
}

// Stream returns the stream name.
func (p *NATSPublisher) Stream() string {
	return p.stream
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
