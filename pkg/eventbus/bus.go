package eventbus

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/rezaa1/rtllia/pkg/session"
)

const (
	DefaultTopic = "rtllia.gateway.events"

	metadataKind      = "kind"
	metadataSessionID = "session_id"
)

// Settings selects the transport. With RedisEnabled false events stay in
// process on a watermill gochannel.
type Settings struct {
	RedisEnabled  bool
	RedisAddr     string
	Topic         string
	ConsumerGroup string
	Consumer      string
}

// Bus publishes gateway domain events and lets in-process consumers follow them.
type Bus struct {
	topic  string
	pub    message.Publisher
	sub    message.Subscriber
	client redis.UniversalClient
	logger watermill.LoggerAdapter
}

// New builds a Bus backed by Redis Streams when enabled, otherwise by an
// in-memory gochannel.
func New(s Settings) (*Bus, error) {
	topic := strings.TrimSpace(s.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	logger := NewWatermillLogger(log.Logger)

	if !s.RedisEnabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &Bus{topic: topic, pub: ch, sub: ch, logger: logger}, nil
	}

	if strings.TrimSpace(s.RedisAddr) == "" {
		return nil, errors.New("eventbus: redis address is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "eventbus: redis publisher")
	}
	b := &Bus{topic: topic, pub: pub, client: client, logger: logger}
	if s.ConsumerGroup != "" {
		sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
			Client:        client,
			Unmarshaller:  marshaler,
			ConsumerGroup: s.ConsumerGroup,
			Consumer:      s.Consumer,
		}, logger)
		if err != nil {
			_ = pub.Close()
			_ = client.Close()
			return nil, errors.Wrap(err, "eventbus: redis subscriber")
		}
		b.sub = sub
	}
	return b, nil
}

func (b *Bus) Topic() string { return b.topic }

// Publish implements session.EventPublisher.
func (b *Bus) Publish(ctx context.Context, ev session.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataKind, string(ev.Kind))
	msg.Metadata.Set(metadataSessionID, ev.SessionID)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := b.pub.Publish(b.topic, msg); err != nil {
		return errors.Wrapf(err, "publish %s", ev.Kind)
	}
	return nil
}

// Subscribe streams decoded events until ctx is done. Undecodable messages
// are acked and skipped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan session.Event, error) {
	if b.sub == nil {
		return nil, errors.New("eventbus: no subscriber configured")
	}
	msgs, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe")
	}
	out := make(chan session.Event)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev session.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Error("dropping undecodable event", err, watermill.LogFields{"uuid": msg.UUID})
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// EnsureGroupAtTail creates the consumer group at the stream tail ($) so a
// new group does not replay history. It is a no-op without Redis.
func (b *Bus) EnsureGroupAtTail(ctx context.Context, group string) error {
	if b.client == nil {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, b.topic, group, "$").Err()
	if err != nil {
		// BUSYGROUP: group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "create consumer group")
	}
	log.Info().Str("stream", b.topic).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

func (b *Bus) Close() error {
	var firstErr error
	if err := b.pub.Close(); err != nil {
		firstErr = err
	}
	// the gochannel transport is both publisher and subscriber
	if b.sub != nil && any(b.sub) != any(b.pub) {
		if err := b.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
