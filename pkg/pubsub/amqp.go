package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/weiawesome/image-pipeline/pkg/log"
)

// AMQPConfig holds RabbitMQ-specific configuration.
type AMQPConfig struct {
	URL          string        `mapstructure:"url"`
	DialAttempts int           `mapstructure:"dial_attempts"`
	DialDelay    time.Duration `mapstructure:"dial_delay"`
}

// AMQPBus implements Bus on RabbitMQ. Each topic maps to a durable queue of
// the same name on the default exchange; consumers of a topic compete for
// its messages. Publishes wait for the broker confirm.
type AMQPBus struct {
	conn *amqp.Connection
	opts Options

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu       sync.Mutex
	declared map[string]bool
	channels []*amqp.Channel
	cancels  []context.CancelFunc
	closed   bool

	loops sync.WaitGroup
}

// NewAMQPBus dials the broker and opens the confirm-mode publish channel.
func NewAMQPBus(cfg AMQPConfig, opts Options) (*AMQPBus, error) {
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 10
	}
	if cfg.DialDelay <= 0 {
		cfg.DialDelay = 5 * time.Second
	}

	conn, err := connectWithRetry(cfg.URL, cfg.DialAttempts, cfg.DialDelay)
	if err != nil {
		return nil, err
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &AMQPBus{
		conn:     conn,
		opts:     opts.withDefaults(),
		pubCh:    pubCh,
		declared: make(map[string]bool),
	}, nil
}

func connectWithRetry(url string, maxRetries int, delay time.Duration) (*amqp.Connection, error) {
	l := log.L()
	var conn *amqp.Connection
	var err error

	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			l.Info().Int(log.FieldAttempt, i+1).Msg("connected to rabbitmq")
			return conn, nil
		}

		l.Warn().Err(err).Int(log.FieldAttempt, i+1).Int("max_attempts", maxRetries).Msg("failed to connect to rabbitmq")
		if i < maxRetries-1 {
			time.Sleep(delay)
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, err)
}

// declareQueue declares a durable queue once per bus.
func (ab *AMQPBus) declareQueue(ch *amqp.Channel, name string) error {
	ab.mu.Lock()
	done := ab.declared[name]
	ab.mu.Unlock()
	if done {
		return nil
	}

	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	ab.mu.Lock()
	ab.declared[name] = true
	ab.mu.Unlock()
	return nil
}

// Publish sends payload to the queue named topic.
func (ab *AMQPBus) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) (string, error) {
	env, err := newEnvelope(ab.opts.IDs, topic, payload, attrs)
	if err != nil {
		return "", err
	}
	if err := ab.send(ctx, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

func (ab *AMQPBus) send(ctx context.Context, env *Envelope) error {
	ab.mu.Lock()
	closed := ab.closed
	ab.mu.Unlock()
	if closed {
		return ErrClosed
	}

	body, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	ab.pubMu.Lock()
	if err := ab.declareQueue(ab.pubCh, env.Topic); err != nil {
		ab.pubMu.Unlock()
		return err
	}
	confirm, err := ab.pubCh.PublishWithDeferredConfirmWithContext(ctx,
		"",        // exchange
		env.Topic, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    env.ID,
			Timestamp:    env.PublishedAt,
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	ab.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to await publisher confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message %s", env.ID)
	}
	return nil
}

// Subscribe opens a dedicated channel with prefetch = Concurrency and
// consumes topic with manual acknowledgements.
func (ab *AMQPBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	l := log.Ctx(ctx)

	ch, err := ab.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	for _, q := range []string{topic, DeadLetterTopic(topic)} {
		if err := ab.declareQueue(ch, q); err != nil {
			ch.Close()
			return err
		}
	}
	if err := ch.Qos(ab.opts.Concurrency, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		topic,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)

	ab.mu.Lock()
	if ab.closed {
		ab.mu.Unlock()
		cancel()
		ch.Close()
		return ErrClosed
	}
	ab.channels = append(ab.channels, ch)
	ab.cancels = append(ab.cancels, cancel)
	ab.loops.Add(1)
	ab.mu.Unlock()

	l.Info().Str(log.FieldTopic, topic).Int("prefetch", ab.opts.Concurrency).Msg("amqp subscription started")

	go ab.consumeLoop(subCtx, msgs, topic, handler)
	return nil
}

func (ab *AMQPBus) consumeLoop(ctx context.Context, msgs <-chan amqp.Delivery, topic string, handler Handler) {
	defer ab.loops.Done()
	l := log.Ctx(ctx)

	sem := semaphore.NewWeighted(int64(ab.opts.Concurrency))
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			l.Info().Str(log.FieldTopic, topic).Msg("amqp subscription shutting down")
			return
		case msg, ok := <-msgs:
			if !ok {
				l.Warn().Str(log.FieldTopic, topic).Msg("amqp delivery channel closed")
				return
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				_ = msg.Nack(false, true)
				return
			}

			inflight.Add(1)
			go func(msg amqp.Delivery) {
				defer inflight.Done()
				defer sem.Release(1)
				ab.handleDelivery(ctx, msg, topic, handler)
			}(msg)
		}
	}
}

func (ab *AMQPBus) handleDelivery(ctx context.Context, msg amqp.Delivery, topic string, handler Handler) {
	settle(ctx, ab.opts, handler, deliveryEnvelope(topic, msg), ab.send, amqpAck{msg: msg})
}

func deliveryEnvelope(topic string, msg amqp.Delivery) *Envelope {
	env := decodeEnvelope(topic, msg.Body)
	if env.ID == "" {
		env.ID = msg.MessageId
	}
	return env
}

// amqpAck settles a delivery. Releasing requeues it on the broker.
type amqpAck struct {
	msg amqp.Delivery
}

func (a amqpAck) Ack(context.Context) error {
	return a.msg.Ack(false)
}

func (a amqpAck) Release(context.Context) error {
	return a.msg.Nack(false, true)
}

// Close stops consumers, waits for in-flight deliveries and closes the
// connection.
func (ab *AMQPBus) Close() error {
	ab.mu.Lock()
	if ab.closed {
		ab.mu.Unlock()
		return nil
	}
	for _, cancel := range ab.cancels {
		cancel()
	}
	ab.mu.Unlock()

	ab.loops.Wait()

	ab.mu.Lock()
	ab.closed = true
	channels := ab.channels
	ab.channels = nil
	ab.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if err := ab.pubCh.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close publish channel: %w", err))
	}
	if err := ab.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}
	return errors.Join(errs...)
}
