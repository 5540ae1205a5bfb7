package pubsub

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/weiawesome/image-pipeline/pkg/log"
)

// MemoryBus is an in-process Bus with the same delivery contract as the
// network drivers: each subscription receives every envelope of its topic,
// failed deliveries are redriven per the RetryPolicy, and up to
// Options.Concurrency handlers run in parallel. Envelopes published to a
// topic before anyone subscribed are held and flushed to the first subscriber.
type MemoryBus struct {
	opts Options
	sem  *semaphore.Weighted

	mu        sync.Mutex
	subs      map[string][]memorySubscription
	backlog   map[string][]*Envelope
	published map[string][]*Envelope
	closed    bool

	inflight sync.WaitGroup
}

type memorySubscription struct {
	ctx     context.Context
	handler Handler
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus(opts Options) *MemoryBus {
	opts = opts.withDefaults()
	return &MemoryBus{
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		subs:      make(map[string][]memorySubscription),
		backlog:   make(map[string][]*Envelope),
		published: make(map[string][]*Envelope),
	}
}

// Publish stamps a new envelope and schedules its delivery.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	env, err := newEnvelope(b.opts.IDs, topic, payload, attrs)
	if err != nil {
		return "", err
	}
	if err := b.send(ctx, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// Deliver pushes env to the subscribers of env.Topic as-is, without
// recording it as a publish. It models a duplicate delivery by the bus.
func (b *MemoryBus) Deliver(env *Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[env.Topic] {
		b.dispatchLocked(sub, env.clone())
	}
}

// send records env and fans it out. Redeliveries pass through here too.
func (b *MemoryBus) send(_ context.Context, env *Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	b.published[env.Topic] = append(b.published[env.Topic], env.clone())

	subs := b.subs[env.Topic]
	if len(subs) == 0 {
		b.backlog[env.Topic] = append(b.backlog[env.Topic], env)
		return nil
	}
	for _, sub := range subs {
		b.dispatchLocked(sub, env.clone())
	}
	return nil
}

// dispatchLocked starts one delivery. Callers hold b.mu so that Wait never
// observes a zero counter between a redrive and its redelivery.
func (b *MemoryBus) dispatchLocked(sub memorySubscription, env *Envelope) {
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()

		if err := b.sem.Acquire(sub.ctx, 1); err != nil {
			return
		}
		defer b.sem.Release(1)

		if err := deliver(sub.ctx, b.opts.Policy, sub.handler, env, b.send); err != nil {
			l := log.Ctx(sub.ctx)
			l.Error().Err(err).Str(log.FieldMessageID, env.ID).Msg("memory bus dropped unsettled delivery")
		}
	}()
}

// Subscribe registers handler for topic and flushes any held backlog to it.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	sub := memorySubscription{ctx: ctx, handler: handler}
	b.subs[topic] = append(b.subs[topic], sub)

	for _, env := range b.backlog[topic] {
		b.dispatchLocked(sub, env)
	}
	delete(b.backlog, topic)
	return nil
}

// Wait blocks until every scheduled delivery, including redeliveries and
// the publishes handlers make along the way, has finished.
func (b *MemoryBus) Wait() {
	b.inflight.Wait()
}

// Published returns copies of every envelope sent to topic, in send order.
// Redeliveries appear with their incremented Attempt.
func (b *MemoryBus) Published(topic string) []*Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Envelope, 0, len(b.published[topic]))
	for _, env := range b.published[topic] {
		out = append(out, env.clone())
	}
	return out
}

// Close waits for in-flight deliveries and rejects further use.
func (b *MemoryBus) Close() error {
	b.inflight.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
