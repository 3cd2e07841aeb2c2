// Package bus carries control events between the processor and its
// consumers (durable event log, SSE hub, MCP notifier) over an in-process
// watermill channel.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/rendis/gantry/internal/metrics"
	"github.com/rendis/gantry/pkg/schema"
)

// Topic is the single watermill topic all control events flow through.
const Topic = "gantry.control.events"

const (
	metaEventType   = "event_type"
	metaExecutionID = "execution_id"
)

// Handler consumes one decoded control event. Returning an error nacks the
// message.
type Handler func(ctx context.Context, event *schema.ControlEvent) error

// Bus is an in-process pub/sub fan-out for control events. Every subscriber
// gets its own copy of each published event.
type Bus struct {
	pubsub  *gochannel.GoChannel
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Config tunes the underlying channel.
type Config struct {
	Buffer     int
	Persistent bool
}

// DefaultConfig returns the production channel configuration.
func DefaultConfig() Config {
	return Config{Buffer: 1024}
}

// New creates a Bus backed by a watermill GoChannel.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: int64(cfg.Buffer),
			Persistent:          cfg.Persistent,
		},
		watermill.NewSlogLogger(logger),
	)
	return &Bus{pubsub: pubsub, logger: logger, metrics: m}
}

// Publish fans one control event out to all subscribers.
func (b *Bus) Publish(ctx context.Context, event *schema.ControlEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "marshal control event").WithCause(err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaEventType, event.Type)
	msg.Metadata.Set(metaExecutionID, event.ExecutionID)
	msg.SetContext(ctx)

	if err := b.pubsub.Publish(Topic, msg); err != nil {
		return schema.NewError(schema.ErrCodeStore, "publish control event").WithCause(err)
	}
	b.metrics.ObserveEventPublished(event.Type)
	return nil
}

// Consume subscribes a named handler to the event stream and pumps messages
// to it until ctx is cancelled. The pump runs in its own goroutine; Consume
// returns as soon as the subscription is established.
func (b *Bus) Consume(ctx context.Context, name string, handler Handler) error {
	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "subscribe consumer %s", name).WithCause(err)
	}

	go func() {
		for msg := range messages {
			var event schema.ControlEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.logger.Warn("dropping undecodable control event",
					"consumer", name, "message_id", msg.UUID, "error", err)
				msg.Ack()
				continue
			}
			if err := handler(ctx, &event); err != nil {
				b.logger.Warn("event handler failed",
					"consumer", name, "event_type", event.Type,
					"execution_id", event.ExecutionID, "error", err)
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}()
	return nil
}

// Close shuts the channel down. Pending subscribers see their channels
// closed.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
