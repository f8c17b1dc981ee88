package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/support-agent/sagent"
)

// Bus publishes and subscribes to progress events on one topic.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	topic  string
	buffer int
	logger zerolog.Logger
}

const defaultSubscriberBuffer = 64

// NewGoChannelBus returns an in-process bus. Publish waits for subscribers to
// ack each event, so subscribers see events in publish order.
func NewGoChannelBus(topic string, buffer int64, logger zerolog.Logger) *Bus {
	if topic == "" {
		topic = sagent.DefaultEventsTopic
	}
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            buffer,
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(logger))
	n := int(buffer)
	if n < defaultSubscriberBuffer {
		n = defaultSubscriberBuffer
	}
	return &Bus{pub: ch, sub: ch, topic: topic, buffer: n, logger: logger}
}

// NewRedisBus returns a bus backed by a Redis stream named after topic.
// Subscribers read the stream without a consumer group, so each one sees
// every event.
func NewRedisBus(client redis.UniversalClient, topic string, logger zerolog.Logger) (*Bus, error) {
	if topic == "" {
		topic = sagent.DefaultEventsTopic
	}
	wlog := NewWatermillLogger(logger)
	marshaler := redisstream.DefaultMarshallerUnmarshaller{}

	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("redis stream publisher: %w", err)
	}
	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: marshaler,
	}, wlog)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("redis stream subscriber: %w", err)
	}
	return &Bus{pub: pub, sub: sub, topic: topic, buffer: defaultSubscriberBuffer, logger: logger}, nil
}

func (b *Bus) Topic() string { return b.topic }

// Publish encodes ev as JSON and sends it.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := message.NewMessage(ev.ID, payload)
	msg.Metadata.Set("conversation_id", ev.ConversationID)
	msg.Metadata.Set("type", string(ev.Type))
	msg.SetContext(ctx)
	if err := b.pub.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe streams decoded events until ctx is done. Messages are acked once
// they are queued on the returned channel; undecodable payloads are logged and
// skipped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	msgs, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.topic, err)
	}

	out := make(chan Event, b.buffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				msg.Ack()
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	perr := b.pub.Close()
	serr := b.sub.Close()
	if perr != nil {
		return perr
	}
	return serr
}

var _ Publisher = (*Bus)(nil)
