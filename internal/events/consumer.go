package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// Sink receives decoded throttle events.
type Sink interface {
	HandleThrottled(ctx context.Context, event *Throttled) error
}

// Consumer consumes throttle events and hands them to a Sink.
type Consumer struct {
	subscriber message.Subscriber
	sink       Sink
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewConsumer creates a new throttle event consumer.
func NewConsumer(subscriber message.Subscriber, sink Sink, logger *zap.Logger) *Consumer {
	return &Consumer{
		subscriber: subscriber,
		sink:       sink,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start subscribes to TopicThrottled and processes messages in the background.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	msgs, err := c.subscriber.Subscribe(ctx, TopicThrottled)
	if err != nil {
		close(c.done)

		return err
	}

	go c.consumeLoop(ctx, msgs)

	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context, msgs <-chan *message.Message) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *message.Message) {
	var event Throttled
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		c.logger.Error("failed to unmarshal throttle event", zap.Error(err))
		msg.Nack()

		return
	}

	if err := c.sink.HandleThrottled(ctx, &event); err != nil {
		c.logger.Error("failed to handle throttle event",
			zap.String("id", event.ID),
			zap.Error(err),
		)
		msg.Nack()

		return
	}

	msg.Ack()

	c.logger.Debug("processed throttle event", zap.String("id", event.ID))
}

// Shutdown stops the consumer and waits for the in-flight message to complete.
func (c *Consumer) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
	}

	<-c.done

	return c.subscriber.Close()
}
