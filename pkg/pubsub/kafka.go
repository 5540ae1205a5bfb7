package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/weiawesome/image-pipeline/pkg/log"
)

const (
	kafkaHeaderMessageID = "message-id"
	kafkaHeaderAttempt   = "attempt"
)

// KafkaConfig holds Kafka-specific configuration.
type KafkaConfig struct {
	Brokers           string        `mapstructure:"brokers"`
	Partitions        int           `mapstructure:"partitions"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
	AutoOffsetReset   string        `mapstructure:"auto_offset_reset"`
	PublishTimeout    time.Duration `mapstructure:"publish_timeout"`
}

// KafkaBus implements Bus on Apache Kafka.
//
// Publish waits for the broker acknowledgement (acks=all). Each Subscribe
// owns a consumer in the configured group; its offsets are stored only after
// the delivery settled, so a crash replays unsettled messages. Messages are
// handled one at a time per consumer to keep stored offsets ordered.
type KafkaBus struct {
	producer *kafka.Producer
	cfg      KafkaConfig
	opts     Options

	mu        sync.Mutex
	consumers []*kafka.Consumer
	cancels   []context.CancelFunc
	closed    bool

	loops  sync.WaitGroup
	doneCh chan struct{}
}

// NewKafkaBus creates the producer. Consumers are created by Subscribe.
func NewKafkaBus(cfg KafkaConfig, opts Options) (*KafkaBus, error) {
	if cfg.AutoOffsetReset == "" {
		cfg.AutoOffsetReset = "earliest"
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"acks":               "all",
		"enable.idempotence": true,
		"linger.ms":          5,
		"compression.type":   "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	kb := &KafkaBus{
		producer: p,
		cfg:      cfg,
		opts:     opts.withDefaults(),
		doneCh:   make(chan struct{}),
	}

	go kb.deliveryReportHandler()

	return kb, nil
}

// deliveryReportHandler drains producer events not routed to a per-message
// delivery channel.
func (kb *KafkaBus) deliveryReportHandler() {
	l := log.L()
	for e := range kb.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				l.Error().Err(ev.TopicPartition.Error).Msg("kafka delivery failed")
			}
		case kafka.Error:
			l.Error().Err(ev).Bool("fatal", ev.IsFatal()).Msg("kafka producer error")
		}
	}
	close(kb.doneCh)
}

// EnsureTopics creates topics that do not exist yet.
func (kb *KafkaBus) EnsureTopics(ctx context.Context, topics ...string) error {
	admin, err := kafka.NewAdminClientFromProducer(kb.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	partitions := kb.cfg.Partitions
	if partitions <= 0 {
		partitions = 4
	}
	replication := kb.cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}

	specs := make([]kafka.TopicSpecification, 0, len(topics))
	for _, t := range topics {
		specs = append(specs, kafka.TopicSpecification{
			Topic:             t,
			NumPartitions:     partitions,
			ReplicationFactor: replication,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, specs)
	if err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}
	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError && r.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", r.Topic, r.Error)
		}
	}
	return nil
}

// Publish sends payload to topic and waits for the delivery report.
func (kb *KafkaBus) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) (string, error) {
	env, err := newEnvelope(kb.opts.IDs, topic, payload, attrs)
	if err != nil {
		return "", err
	}
	if err := kb.produce(ctx, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

func (kb *KafkaBus) produce(ctx context.Context, env *Envelope) error {
	kb.mu.Lock()
	closed := kb.closed
	kb.mu.Unlock()
	if closed {
		return ErrClosed
	}

	value, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	topic := env.Topic
	deliveryCh := make(chan kafka.Event, 1)
	err = kb.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(env.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: kafkaHeaderMessageID, Value: []byte(env.ID)},
			{Key: kafkaHeaderAttempt, Value: []byte(strconv.Itoa(env.Attempt))},
		},
	}, deliveryCh)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	timer := time.NewTimer(kb.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case e := <-deliveryCh:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected kafka delivery event: %v", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("kafka delivery failed: %w", m.TopicPartition.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("kafka delivery report timed out after %s", kb.cfg.PublishTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe joins the consumer group for topic and consumes in the background.
func (kb *KafkaBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	l := log.Ctx(ctx)

	if err := kb.EnsureTopics(ctx, topic, DeadLetterTopic(topic)); err != nil {
		l.Warn().Err(err).Str(log.FieldTopic, topic).Msg("failed to ensure topics, may already exist")
	}

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":        kb.cfg.Brokers,
		"group.id":                 kb.opts.GroupID,
		"auto.offset.reset":        kb.cfg.AutoOffsetReset,
		"enable.auto.commit":       true,
		"enable.auto.offset.store": false,
		"auto.commit.interval.ms":  1000,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)

	kb.mu.Lock()
	if kb.closed {
		kb.mu.Unlock()
		cancel()
		c.Close()
		return ErrClosed
	}
	kb.consumers = append(kb.consumers, c)
	kb.cancels = append(kb.cancels, cancel)
	kb.loops.Add(1)
	kb.mu.Unlock()

	l.Info().Str(log.FieldTopic, topic).Str("group", kb.opts.GroupID).Msg("kafka subscription started")

	go kb.consumeLoop(subCtx, c, topic, handler)
	return nil
}

func (kb *KafkaBus) consumeLoop(ctx context.Context, c *kafka.Consumer, topic string, handler Handler) {
	defer kb.loops.Done()
	l := log.Ctx(ctx)

	for {
		select {
		case <-ctx.Done():
			l.Info().Str(log.FieldTopic, topic).Msg("kafka subscription shutting down")
			return
		default:
		}

		msg, err := c.ReadMessage(100 * time.Millisecond)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) {
				if kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				if kerr.IsFatal() {
					l.Error().Err(err).Str(log.FieldTopic, topic).Msg("fatal kafka consumer error")
					return
				}
			}
			l.Error().Err(err).Str(log.FieldTopic, topic).Msg("kafka consumer error")
			continue
		}

		if !settle(ctx, kb.opts, handler, kafkaEnvelope(topic, msg), kb.produce, &offsetAck{store: c, msg: msg}) {
			// The offset stays unstored, so the group replays the message.
			return
		}
	}
}

func kafkaEnvelope(topic string, msg *kafka.Message) *Envelope {
	env := decodeEnvelope(topic, msg.Value)
	if env.ID == "" {
		env.ID = fmt.Sprintf("%s-%d-%d", topic, msg.TopicPartition.Partition, msg.TopicPartition.Offset)
	}
	return env
}

type offsetStorer interface {
	StoreMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
}

// offsetAck settles a message by storing its offset for the next
// auto-commit. Releasing leaves the offset unstored.
type offsetAck struct {
	store offsetStorer
	msg   *kafka.Message
}

func (a *offsetAck) Ack(context.Context) error {
	if _, err := a.store.StoreMessage(a.msg); err != nil {
		return fmt.Errorf("failed to store kafka offset: %w", err)
	}
	return nil
}

func (a *offsetAck) Release(context.Context) error { return nil }

// Close stops consumers, then flushes and closes the producer.
func (kb *KafkaBus) Close() error {
	kb.mu.Lock()
	if kb.closed {
		kb.mu.Unlock()
		return nil
	}
	for _, cancel := range kb.cancels {
		cancel()
	}
	kb.mu.Unlock()

	// Wait for in-flight deliveries before closing the clients they use.
	kb.loops.Wait()

	kb.mu.Lock()
	kb.closed = true
	consumers := kb.consumers
	kb.consumers = nil
	kb.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka consumer: %w", err))
		}
	}

	kb.producer.Flush(5000)
	kb.producer.Close()
	<-kb.doneCh

	return errors.Join(errs...)
}
