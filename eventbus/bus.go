package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/mohitkumar/nurture/config"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"go.uber.org/zap"
)

const (
	metadataKey       = "key"
	metadataEventType = "event_type"
)

type Handler func(ctx context.Context, ev model.DomainEvent) error

// Bus carries domain events from producers to the event router.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	// memory buses use one value for both ends
	shared bool
	wg     sync.WaitGroup
}

func New(conf config.EventBusConfig) (*Bus, error) {
	switch conf.Type {
	case config.EVENT_BUS_KAFKA:
		return NewKafkaBus(conf)
	case config.EVENT_BUS_MEMORY, "":
		return NewMemoryBus(conf.Topic), nil
	default:
		return nil, fmt.Errorf("unknown event bus type %q", conf.Type)
	}
}

// NewMemoryBus keeps events in process. Events published while nobody is
// subscribed are dropped.
func NewMemoryBus(topic string) *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, newLoggerAdapter())
	return &Bus{publisher: ch, subscriber: ch, topic: topic, shared: true}
}

func NewKafkaBus(conf config.EventBusConfig) (*Bus, error) {
	if len(conf.KafkaBrokers) == 0 {
		return nil, errors.New("kafka event bus requires at least one broker")
	}
	wlog := newLoggerAdapter()

	subConf := kafka.DefaultSaramaSubscriberConfig()
	subConf.Consumer.Offsets.Initial = sarama.OffsetOldest
	sub, err := kafka.NewSubscriber(kafka.SubscriberConfig{
		Brokers:               conf.KafkaBrokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: subConf,
		ConsumerGroup:         conf.GroupId,
	}, wlog)
	if err != nil {
		return nil, err
	}

	pubConf := kafka.DefaultSaramaSyncPublisherConfig()
	pubConf.Producer.Return.Successes = true
	pub, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers: conf.KafkaBrokers,
		// events of one contact land on one partition and stay ordered
		Marshaler: kafka.NewWithPartitioningMarshaler(func(topic string, msg *message.Message) (string, error) {
			return msg.Metadata.Get(metadataKey), nil
		}),
		OverwriteSaramaConfig: pubConf,
	}, wlog)
	if err != nil {
		sub.Close()
		return nil, err
	}
	return &Bus{publisher: pub, subscriber: sub, topic: conf.Topic}, nil
}

func (b *Bus) Publish(ctx context.Context, ev model.DomainEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataKey, ev.ContactId)
	msg.Metadata.Set(metadataEventType, ev.Type)
	msg.SetContext(ctx)
	if err := b.publisher.Publish(b.topic, msg); err != nil {
		logger.Error("error publishing event", zap.String("type", ev.Type), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe consumes the topic until ctx is done or the bus is closed.
// Malformed messages are dropped. A handler error nacks the message so it
// is delivered again.
func (b *Bus) Subscribe(ctx context.Context, handler Handler) error {
	messages, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return err
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range messages {
			b.handle(ctx, msg, handler)
		}
		logger.Info("event subscription stopped", zap.String("topic", b.topic))
	}()
	logger.Info("event subscription started", zap.String("topic", b.topic))
	return nil
}

func (b *Bus) handle(ctx context.Context, msg *message.Message, handler Handler) {
	if err := CheckEvent(msg.Payload); err != nil {
		logger.Warn("dropping malformed event", zap.String("message", msg.UUID), zap.Error(err))
		msg.Ack()
		return
	}
	var ev model.DomainEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		logger.Warn("dropping undecodable event", zap.String("message", msg.UUID), zap.Error(err))
		msg.Ack()
		return
	}
	if err := handler(ctx, ev); err != nil {
		logger.Error("error handling event", zap.String("message", msg.UUID), zap.String("type", ev.Type), zap.Error(err))
		msg.Nack()
		return
	}
	msg.Ack()
}

func (b *Bus) Close() error {
	errs := []error{b.publisher.Close()}
	if !b.shared {
		errs = append(errs, b.subscriber.Close())
	}
	b.wg.Wait()
	return errors.Join(errs...)
}
