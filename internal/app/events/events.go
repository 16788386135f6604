// Package events is the in-process publish/subscribe bus connecting domain
// services to webhooks and the live websocket stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/quantumshield/backend/pkg/logger"
)

// AllTopics subscribes to every published event.
const AllTopics = "*"

// Event is the envelope delivered to subscribers.
type Event struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Publisher is the narrow interface domain services depend on.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Bus fans events out to topic subscribers and to AllTopics subscribers.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    *logger.Logger
}

// NewBus creates an in-memory bus.
func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("events")
	}
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermillLogger{log: log})
	return &Bus{pubsub: ps, log: log}
}

// Publish marshals payload and delivers it on topic. Publishing on a closed
// bus returns an error.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	topic = strings.TrimSpace(topic)
	if topic == "" || topic == AllTopics {
		return fmt.Errorf("topic is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	evt := Event{ID: watermill.NewUUID(), Topic: topic, Payload: body, At: time.Now().UTC()}
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	msg := message.NewMessage(evt.ID, raw)
	msg.SetContext(ctx)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if err := b.pubsub.Publish(AllTopics, message.NewMessage(evt.ID, raw)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns a channel of events for topic (or AllTopics). The
// channel closes when ctx is cancelled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var evt Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				b.log.WithError(err).WithField("message_id", msg.UUID).Warn("drop malformed event")
				msg.Ack()
				continue
			}
			select {
			case out <- evt:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Matches reports whether topic satisfies pattern. Patterns are an exact
// topic, "*" or a prefix wildcard such as "device.*".
func Matches(pattern, topic string) bool {
	pattern = strings.TrimSpace(pattern)
	switch {
	case pattern == AllTopics:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == topic
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

type watermillLogger struct {
	log *logger.Logger
}

func (w watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.log.With(fields).WithError(err).Error(msg)
}

func (w watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.log.With(fields).Debug(msg)
}

func (w watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.log.With(fields).Debug(msg)
}

func (w watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.log.With(fields).Trace(msg)
}

func (w watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{log: w.log.With(fields)}
}
