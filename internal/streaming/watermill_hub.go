// Package streaming fans engine action events out to live subscribers over
// a watermill publisher/subscriber pair.
package streaming

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topic carries every action event.
const Topic = "govflow.actions"

const (
	defaultChannelBuffer = 64
	eventTypeMetadataKey = "event_type"
	actionIDMetadataKey  = "action_id"
)

// WatermillHub is an EventHub over any watermill transport.
type WatermillHub struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

// NewWatermillHub creates a hub over the given publisher and subscriber.
func NewWatermillHub(pub message.Publisher, sub message.Subscriber) *WatermillHub {
	return &WatermillHub{publisher: pub, subscriber: sub}
}

// NewGoChannelHub creates an in-process hub. Publish never waits for
// subscribers to acknowledge.
func NewGoChannelHub(logger *slog.Logger) *WatermillHub {
	var adapter watermill.LoggerAdapter = watermill.NopLogger{}
	if logger != nil {
		adapter = watermill.NewSlogLogger(logger)
	}
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            defaultChannelBuffer,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, adapter)
	return NewWatermillHub(pubSub, pubSub)
}

// Publish sends an event to all subscribers.
func (h *WatermillHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(eventTypeMetadataKey, event.EventType)
	msg.Metadata.Set(actionIDMetadataKey, event.ActionID)
	return h.publisher.Publish(Topic, msg)
}

// Subscribe creates a subscription filtered by filter. The returned cancel
// function ends the subscription and closes the channel. Events are dropped
// for a subscriber whose channel is full.
func (h *WatermillHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := h.subscriber.Subscribe(subCtx, Topic)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	go func() {
		defer close(out)
		for msg := range messages {
			var event StreamEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				msg.Nack()
				continue
			}
			msg.Ack()
			if !matchFilter(filter, event) {
				continue
			}
			select {
			case out <- event:
			default:
			}
		}
	}()

	return out, cancel, nil
}

// Close shuts down the underlying transport.
func (h *WatermillHub) Close() error {
	if err := h.publisher.Close(); err != nil {
		return err
	}
	return h.subscriber.Close()
}
