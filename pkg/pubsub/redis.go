package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/weiawesome/image-pipeline/pkg/log"
)

const redisEnvelopeField = "envelope"

// RedisConfig holds Redis-specific configuration.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxLen caps each stream (approximate trimming). Zero keeps everything.
	MaxLen int64 `mapstructure:"max_len"`
}

// RedisBus implements Bus on Redis Streams. A topic is a stream; every
// subscriber joins the consumer group Options.GroupID. Entries stay pending
// until their delivery settled and are then acknowledged. Entries idle in
// the pending list for longer than Options.VisibilityTimeout, such as those
// held by a crashed consumer, are claimed and delivered again.
type RedisBus struct {
	client *redis.Client
	cfg    RedisConfig
	opts   Options

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool

	loops sync.WaitGroup
}

// NewRedisBus connects to Redis.
func NewRedisBus(cfg RedisConfig, opts Options) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisBus(client, cfg, opts), nil
}

func newRedisBus(client *redis.Client, cfg RedisConfig, opts Options) *RedisBus {
	return &RedisBus{
		client: client,
		cfg:    cfg,
		opts:   opts.withDefaults(),
	}
}

// Publish appends an envelope to the topic stream.
func (rb *RedisBus) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) (string, error) {
	env, err := newEnvelope(rb.opts.IDs, topic, payload, attrs)
	if err != nil {
		return "", err
	}
	if err := rb.send(ctx, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

func (rb *RedisBus) send(ctx context.Context, env *Envelope) error {
	rb.mu.Lock()
	closed := rb.closed
	rb.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: env.Topic,
		Values: map[string]interface{}{redisEnvelopeField: data},
	}
	if rb.cfg.MaxLen > 0 {
		args.MaxLen = rb.cfg.MaxLen
		args.Approx = true
	}
	if err := rb.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to add stream entry: %w", err)
	}
	return nil
}

func (rb *RedisBus) ensureGroup(ctx context.Context, stream string) error {
	err := rb.client.XGroupCreateMkStream(ctx, stream, rb.opts.GroupID, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
	}
	return nil
}

// Subscribe joins the consumer group of topic and starts the read and
// reclaim loops.
func (rb *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	l := log.Ctx(ctx)

	for _, s := range []string{topic, DeadLetterTopic(topic)} {
		if err := rb.ensureGroup(ctx, s); err != nil {
			return err
		}
	}

	consumer, err := rb.opts.IDs.Generate()
	if err != nil {
		return fmt.Errorf("generate consumer name: %w", err)
	}
	consumer = rb.opts.GroupID + "-" + consumer

	subCtx, cancel := context.WithCancel(ctx)

	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		cancel()
		return ErrClosed
	}
	rb.cancels = append(rb.cancels, cancel)
	rb.loops.Add(1)
	rb.mu.Unlock()

	l.Info().
		Str(log.FieldTopic, topic).
		Str("group", rb.opts.GroupID).
		Str("consumer", consumer).
		Msg("redis stream subscription started")

	go rb.run(subCtx, topic, consumer, handler)
	return nil
}

func (rb *RedisBus) run(ctx context.Context, topic, consumer string, handler Handler) {
	defer rb.loops.Done()

	sem := semaphore.NewWeighted(int64(rb.opts.Concurrency))
	var inflight sync.WaitGroup
	defer inflight.Wait()

	dispatch := func(msg redis.XMessage, deliveries int64) bool {
		if err := sem.Acquire(ctx, 1); err != nil {
			return false
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer sem.Release(1)
			rb.handleEntry(ctx, topic, msg, deliveries, handler)
		}()
		return true
	}

	var reclaim sync.WaitGroup
	reclaim.Add(1)
	go func() {
		defer reclaim.Done()
		rb.reclaimLoop(ctx, topic, consumer, dispatch)
	}()
	defer reclaim.Wait()

	rb.readLoop(ctx, topic, consumer, dispatch)
}

func (rb *RedisBus) readLoop(ctx context.Context, topic, consumer string, dispatch func(redis.XMessage, int64) bool) {
	l := log.Ctx(ctx)

	for {
		if ctx.Err() != nil {
			l.Info().Str(log.FieldTopic, topic).Msg("redis stream subscription shutting down")
			return
		}

		streams, err := rb.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    rb.opts.GroupID,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    int64(rb.opts.Concurrency),
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			l.Error().Err(err).Str(log.FieldTopic, topic).Msg("failed to read stream")
			_ = sleepCtx(ctx, time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				if !dispatch(msg, 1) {
					return
				}
			}
		}
	}
}

// reclaimLoop takes over entries left pending by consumers that stopped
// without settling them.
func (rb *RedisBus) reclaimLoop(ctx context.Context, topic, consumer string, dispatch func(redis.XMessage, int64) bool) {
	l := log.Ctx(ctx)

	interval := rb.opts.VisibilityTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := "0-0"
		for {
			msgs, next, err := rb.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   topic,
				Group:    rb.opts.GroupID,
				Consumer: consumer,
				MinIdle:  rb.opts.VisibilityTimeout,
				Start:    start,
				Count:    int64(rb.opts.Concurrency),
			}).Result()
			if err != nil {
				if ctx.Err() == nil {
					l.Error().Err(err).Str(log.FieldTopic, topic).Msg("failed to claim idle entries")
				}
				break
			}

			for _, msg := range msgs {
				count := pendingDeliveries(ctx, rb.client, topic, rb.opts.GroupID, msg.ID)
				l.Warn().Str(log.FieldTopic, topic).Str("entry_id", msg.ID).Int64("delivery_count", count).Msg("reclaimed idle entry")
				if !dispatch(msg, count) {
					return
				}
			}

			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}

type pendingReader interface {
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
}

// pendingDeliveries returns how often group handed out entry id. It falls
// back to a single delivery when the pending list cannot be read.
func pendingDeliveries(ctx context.Context, client pendingReader, stream, group, id string) int64 {
	pending, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 || pending[0].RetryCount < 1 {
		return 1
	}
	return pending[0].RetryCount
}

func (rb *RedisBus) handleEntry(ctx context.Context, topic string, msg redis.XMessage, deliveries int64, handler Handler) {
	env := streamEnvelope(topic, msg, deliveries)
	settle(ctx, rb.opts, handler, env, rb.send, &streamAck{
		client: rb.client,
		stream: topic,
		group:  rb.opts.GroupID,
		id:     msg.ID,
	})
}

// streamEnvelope decodes a stream entry. An entry the group handed out
// more than once was reclaimed from a consumer that stopped without
// settling it, and each such delivery counts as a failed attempt.
func streamEnvelope(topic string, msg redis.XMessage, deliveries int64) *Envelope {
	var raw []byte
	switch v := msg.Values[redisEnvelopeField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	}

	env := decodeEnvelope(topic, raw)
	if env.ID == "" {
		env.ID = msg.ID
	}
	env.Attempt = redeliveredAttempt(env.Attempt, deliveries)
	return env
}

type streamAcker interface {
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// streamAck settles a stream entry. Releasing leaves the entry pending so
// the reclaim loop hands it out again after the visibility timeout.
type streamAck struct {
	client streamAcker
	stream string
	group  string
	id     string
}

func (a *streamAck) Ack(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.client.XAck(ctx, a.stream, a.group, a.id).Err(); err != nil {
		return fmt.Errorf("failed to ack stream entry %s: %w", a.id, err)
	}
	return nil
}

func (a *streamAck) Release(context.Context) error { return nil }

// Close stops the subscriptions, waits for in-flight deliveries and closes
// the client.
func (rb *RedisBus) Close() error {
	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		return nil
	}
	for _, cancel := range rb.cancels {
		cancel()
	}
	rb.mu.Unlock()

	rb.loops.Wait()

	rb.mu.Lock()
	rb.closed = true
	rb.mu.Unlock()

	return rb.client.Close()
}
