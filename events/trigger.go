package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// TriggerSubject carries operator requests to run discovery now.
const TriggerSubject = SubjectPrefix + "discovery.trigger"

// TriggerRequest asks for one discovery run.
type TriggerRequest struct {
	AccountID     string `json:"account_id"`
	DiscoveryType string `json:"discovery_type"`
}

// TriggerFunc runs discovery for a request.
type TriggerFunc func(ctx context.Context, req TriggerRequest) error

// TriggerConsumer consumes discovery trigger requests from JetStream.
type TriggerConsumer struct {
	js       jetstream.JetStream
	stream   string
	consumer jetstream.Consumer
	handle   TriggerFunc
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewTriggerConsumer creates a consumer bound to the publisher's stream.
func NewTriggerConsumer(p *NATSPublisher, handle TriggerFunc, logger *slog.Logger) *TriggerConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerConsumer{
		js:     p.JetStream(),
		stream: p.Stream(),
		handle: handle,
		logger: logger,
	}
}

// Start creates the durable consumer and begins fetching.
func (c *TriggerConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("trigger consumer already running")
	}

	stream, err := c.js.Stream(ctx, c.stream)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", c.stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "semreply-discovery-trigger",
		FilterSubject: TriggerSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckWait:       5 * time.Minute,
		MaxDeliver:    1,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	consumeCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.consume(consumeCtx)

	c.logger.Info("Trigger consumer started", "subject", TriggerSubject)
	return nil
}

func (c *TriggerConsumer) consume(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for msg := range msgs.Messages() {
			c.handleMessage(ctx, msg)
		}

		if msgs.Error() != nil && ctx.Err() == nil {
			c.logger.Debug("Fetch error", "error", msgs.Error())
		}
	}
}

func (c *TriggerConsumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var req TriggerRequest
	if err := json.Unmarshal(msg.Data(), &req); err != nil {
		c.logger.Warn("Invalid trigger request", "error", err)
		_ = msg.Term()
		return
	}

	if err := c.handle(ctx, req); err != nil {
		c.logger.Warn("Triggered discovery failed",
			"account_id", req.AccountID,
			"type", req.DiscoveryType,
			"error", err)
	}
	if err := msg.Ack(); err != nil {
		c.logger.Debug("Ack failed", "error", err)
	}
}

// Stop stops fetching and waits for the in-flight message.
func (c *TriggerConsumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	done := c.done
	c.mu.Unlock()
	<-done
}
