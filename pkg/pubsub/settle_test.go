package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAck struct {
	acks     int
	releases int
	ackErr   error
}

func (a *recordingAck) Ack(context.Context) error {
	a.acks++
	return a.ackErr
}

func (a *recordingAck) Release(context.Context) error {
	a.releases++
	return nil
}

type recordingSend struct {
	mu   sync.Mutex
	sent []*Envelope
}

func (s *recordingSend) send(_ context.Context, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func failingHandler(context.Context, *Envelope) error { return errors.New("transient") }

func TestSettle_AcksHandledDelivery(t *testing.T) {
	ack := &recordingAck{}
	sender := &recordingSend{}
	env := &Envelope{ID: "m1", Topic: "requests", Attempt: 1}

	ok := settle(context.Background(), Options{}, func(context.Context, *Envelope) error { return nil }, env, sender.send, ack)

	assert.True(t, ok)
	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.releases)
	assert.Empty(t, sender.sent)
}

func TestSettle_AcksAfterRedrive(t *testing.T) {
	ack := &recordingAck{}
	sender := &recordingSend{}
	opts := Options{Policy: RetryPolicy{MaxAttempts: 3}}
	env := &Envelope{ID: "m1", Topic: "requests", Attempt: 1}

	assert.True(t, settle(context.Background(), opts, failingHandler, env, sender.send, ack))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "requests", sender.sent[0].Topic)
	assert.Equal(t, 2, sender.sent[0].Attempt)
	assert.Equal(t, 1, ack.acks, "the redelivery replaces the original, which is acknowledged")
}

func TestSettle_AcksAfterDeadLetter(t *testing.T) {
	ack := &recordingAck{}
	sender := &recordingSend{}
	opts := Options{Policy: RetryPolicy{MaxAttempts: 3}}
	env := &Envelope{ID: "m1", Topic: "requests", Attempt: 3}

	assert.True(t, settle(context.Background(), opts, failingHandler, env, sender.send, ack))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, DeadLetterTopic("requests"), sender.sent[0].Topic)
	assert.Equal(t, "transient", sender.sent[0].Attribute(AttrDeadLetterReason))
	assert.Equal(t, 1, ack.acks)
}

func TestSettle_ReleasesWhenUnsettled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ack := &recordingAck{}
	sender := &recordingSend{}
	opts := Options{Policy: RetryPolicy{MaxAttempts: 3, Backoff: time.Minute}}
	env := &Envelope{ID: "m1", Topic: "requests", Attempt: 1}

	h := func(context.Context, *Envelope) error {
		cancel()
		return errors.New("transient")
	}

	assert.False(t, settle(ctx, opts, h, env, sender.send, ack))
	assert.Zero(t, ack.acks)
	assert.Equal(t, 1, ack.releases)
	assert.Empty(t, sender.sent)
}

func TestSettle_AckFailureStillSettles(t *testing.T) {
	ack := &recordingAck{ackErr: errors.New("connection lost")}
	env := &Envelope{ID: "m1", Topic: "requests", Attempt: 1}

	ok := settle(context.Background(), Options{}, func(context.Context, *Envelope) error { return nil }, env, (&recordingSend{}).send, ack)
	assert.True(t, ok)
	assert.Equal(t, 1, ack.acks)
}

func TestRedeliveredAttempt(t *testing.T) {
	tests := []struct {
		attempt    int
		deliveries int64
		want       int
	}{
		{attempt: 1, deliveries: 1, want: 1},
		{attempt: 1, deliveries: 0, want: 1},
		{attempt: 1, deliveries: 2, want: 2},
		{attempt: 2, deliveries: 4, want: 5},
		{attempt: 0, deliveries: 1, want: 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, redeliveredAttempt(tt.attempt, tt.deliveries), "attempt=%d deliveries=%d", tt.attempt, tt.deliveries)
	}
}

func TestStreamEnvelope(t *testing.T) {
	raw, err := encodeEnvelope(&Envelope{ID: "m1", Topic: "requests", Data: []byte(`{}`), Attempt: 2})
	require.NoError(t, err)

	first := streamEnvelope("requests", redis.XMessage{ID: "1-0", Values: map[string]interface{}{redisEnvelopeField: string(raw)}}, 1)
	assert.Equal(t, "m1", first.ID)
	assert.Equal(t, 2, first.Attempt)

	reclaimed := streamEnvelope("requests", redis.XMessage{ID: "1-0", Values: map[string]interface{}{redisEnvelopeField: string(raw)}}, 3)
	assert.Equal(t, 4, reclaimed.Attempt)

	foreign := streamEnvelope("requests", redis.XMessage{ID: "2-0", Values: map[string]interface{}{"other": "x"}}, 1)
	assert.Equal(t, "2-0", foreign.ID)
	assert.Equal(t, 1, foreign.Attempt)
}

type stubStreamClient struct {
	acked   []string
	ackErr  error
	pending []redis.XPendingExt
	pendErr error
}

func (c *stubStreamClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	c.acked = append(c.acked, stream+"/"+group+"/"+ids[0])
	return redis.NewIntResult(int64(len(ids)), c.ackErr)
}

func (c *stubStreamClient) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	cmd := redis.NewXPendingExtCmd(ctx)
	cmd.SetVal(c.pending)
	cmd.SetErr(c.pendErr)
	return cmd
}

func TestStreamAck(t *testing.T) {
	client := &stubStreamClient{}
	a := &streamAck{client: client, stream: "requests", group: "image-pipeline", id: "1-0"}

	require.NoError(t, a.Release(context.Background()))
	assert.Empty(t, client.acked, "released entries stay pending")

	require.NoError(t, a.Ack(context.Background()))
	assert.Equal(t, []string{"requests/image-pipeline/1-0"}, client.acked)

	client.ackErr = errors.New("READONLY")
	assert.Error(t, a.Ack(context.Background()))
}

func TestPendingDeliveries(t *testing.T) {
	ctx := context.Background()

	client := &stubStreamClient{pending: []redis.XPendingExt{{ID: "1-0", RetryCount: 3}}}
	assert.Equal(t, int64(3), pendingDeliveries(ctx, client, "requests", "g", "1-0"))

	client = &stubStreamClient{}
	assert.Equal(t, int64(1), pendingDeliveries(ctx, client, "requests", "g", "1-0"))

	client = &stubStreamClient{pendErr: errors.New("NOGROUP")}
	assert.Equal(t, int64(1), pendingDeliveries(ctx, client, "requests", "g", "1-0"))
}

type stubOffsetStore struct {
	stored []kafka.Offset
}

func (s *stubOffsetStore) StoreMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	s.stored = append(s.stored, m.TopicPartition.Offset)
	return []kafka.TopicPartition{m.TopicPartition}, nil
}

func TestOffsetAck(t *testing.T) {
	topic := "requests"
	msg := &kafka.Message{TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 2, Offset: 41}}
	store := &stubOffsetStore{}
	a := &offsetAck{store: store, msg: msg}

	require.NoError(t, a.Release(context.Background()))
	assert.Empty(t, store.stored, "unsettled messages keep their offset unstored")

	require.NoError(t, a.Ack(context.Background()))
	assert.Equal(t, []kafka.Offset{41}, store.stored)
}

func TestKafkaEnvelope(t *testing.T) {
	topic := "requests"
	raw, err := encodeEnvelope(&Envelope{ID: "m1", Topic: topic, Attempt: 3})
	require.NoError(t, err)

	env := kafkaEnvelope(topic, &kafka.Message{Value: raw})
	assert.Equal(t, "m1", env.ID)
	assert.Equal(t, 3, env.Attempt)

	foreign := kafkaEnvelope(topic, &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 1, Offset: 7},
		Value:          []byte(`{"bucket":"uploads","name":"cat.jpg"}`),
	})
	assert.Equal(t, "requests-1-7", foreign.ID)
	assert.Equal(t, 1, foreign.Attempt)
}

type stubAcknowledger struct {
	acked    []uint64
	nacked   []uint64
	requeued bool
}

func (a *stubAcknowledger) Ack(tag uint64, _ bool) error {
	a.acked = append(a.acked, tag)
	return nil
}

func (a *stubAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.nacked = append(a.nacked, tag)
	a.requeued = requeue
	return nil
}

func (a *stubAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func TestAMQPAck(t *testing.T) {
	acker := &stubAcknowledger{}
	msg := amqp.Delivery{Acknowledger: acker, DeliveryTag: 9}

	require.NoError(t, amqpAck{msg: msg}.Release(context.Background()))
	assert.Equal(t, []uint64{9}, acker.nacked)
	assert.True(t, acker.requeued)

	require.NoError(t, amqpAck{msg: msg}.Ack(context.Background()))
	assert.Equal(t, []uint64{9}, acker.acked)
}

func TestDeliveryEnvelope_FallsBackToMessageID(t *testing.T) {
	env := deliveryEnvelope("requests", amqp.Delivery{MessageId: "broker-7", Body: []byte(`{"status":"done"}`)})
	assert.Equal(t, "broker-7", env.ID)
	assert.JSONEq(t, `{"status":"done"}`, string(env.Data))
}
