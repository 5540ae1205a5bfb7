package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/weiawesome/image-pipeline/pkg/idgen"
	"github.com/weiawesome/image-pipeline/pkg/log"
)

// RetryPolicy bounds redelivery of failed envelopes.
type RetryPolicy struct {
	// MaxAttempts is the total number of deliveries before dead-lettering.
	// Zero or negative means unlimited.
	MaxAttempts int
	// Backoff is the pause before a failed envelope is redelivered.
	Backoff time.Duration
}

// Exhausted reports whether attempt was the last one the policy allows.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// redrive builds the envelope that follows a failed attempt: the same
// message with Attempt+1 on the same topic, or, once attempts are exhausted,
// the unchanged message on the dead-letter topic.
func (p RetryPolicy) redrive(env *Envelope, cause error) (next *Envelope, dead bool) {
	next = env.clone()
	if p.Exhausted(env.Attempt) {
		next.Topic = DeadLetterTopic(env.Topic)
		next.Attributes[AttrOriginalTopic] = env.Topic
		next.Attributes[AttrDeadLetterReason] = cause.Error()
		return next, true
	}
	next.Attempt = env.Attempt + 1
	return next, false
}

// Options are the driver-independent delivery settings.
type Options struct {
	Policy      RetryPolicy
	IDs         idgen.Generator
	GroupID     string
	Concurrency int
	// VisibilityTimeout is how long an unacknowledged delivery may stay
	// in flight before another consumer may claim it (redis driver).
	VisibilityTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.IDs == nil {
		o.IDs = idgen.NewUUIDGenerator()
	}
	if o.GroupID == "" {
		o.GroupID = "image-pipeline"
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	return o
}

// newEnvelope stamps a fresh first-attempt envelope.
func newEnvelope(ids idgen.Generator, topic string, payload []byte, attrs map[string]string) (*Envelope, error) {
	id, err := ids.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	env := &Envelope{
		ID:          id,
		Topic:       topic,
		Data:        append([]byte(nil), payload...),
		Attempt:     1,
		PublishedAt: time.Now().UTC(),
	}
	if len(attrs) > 0 {
		env.Attributes = make(map[string]string, len(attrs))
		for k, v := range attrs {
			env.Attributes[k] = v
		}
	}
	return env, nil
}

func encodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// decodeEnvelope parses a wire envelope. Values that are not envelopes
// (published by a foreign producer) are wrapped as a first attempt so the
// handler still sees the raw bytes.
func decodeEnvelope(topic string, value []byte) *Envelope {
	var env Envelope
	if err := json.Unmarshal(value, &env); err == nil && env.ID != "" {
		if env.Topic == "" {
			env.Topic = topic
		}
		if env.Attempt < 1 {
			env.Attempt = 1
		}
		return &env
	}
	return &Envelope{
		Topic:   topic,
		Data:    append([]byte(nil), value...),
		Attempt: 1,
	}
}

// sendFunc hands an envelope back to the transport, on env.Topic.
type sendFunc func(ctx context.Context, env *Envelope) error

// deliver runs the handler for one envelope and settles the outcome. A
// failed attempt is redriven through send: redelivery on the same topic, or
// the dead-letter topic once the policy is exhausted. deliver only returns
// an error when the outcome could not be settled before ctx ended; the
// caller must then leave the delivery unacknowledged.
func deliver(ctx context.Context, policy RetryPolicy, h Handler, env *Envelope, send sendFunc) error {
	l := log.Ctx(ctx).With().
		Str(log.FieldTopic, env.Topic).
		Str(log.FieldMessageID, env.ID).
		Int(log.FieldAttempt, env.Attempt).
		Logger()
	ctx = log.WithLogger(ctx, l)

	// In-flight handlers run to completion even after shutdown starts.
	cause := invoke(context.WithoutCancel(ctx), h, env)
	if cause == nil {
		return nil
	}

	next, dead := policy.redrive(env, cause)
	if dead {
		l.Error().Err(cause).Str("dead_letter_topic", next.Topic).Msg("delivery attempts exhausted, dead-lettering")
	} else {
		l.Warn().Err(cause).Msg("delivery failed, scheduling redelivery")
		if err := sleepCtx(ctx, policy.Backoff); err != nil {
			return err
		}
	}

	for {
		err := send(ctx, next)
		if err == nil {
			return nil
		}
		l.Error().Err(err).Str("next_topic", next.Topic).Msg("failed to redrive envelope")
		if werr := sleepCtx(ctx, retryPause(policy.Backoff)); werr != nil {
			return fmt.Errorf("redrive %s: %w", env.ID, err)
		}
	}
}

// invoke calls h, converting a panic into an error.
func invoke(ctx context.Context, h Handler, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}

func retryPause(backoff time.Duration) time.Duration {
	if backoff < time.Second {
		return time.Second
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
