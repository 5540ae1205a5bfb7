package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu       sync.Mutex
	attempts []int
	ids      []string
	failN    int
	panicAll bool
}

func (h *recordingHandler) handle(_ context.Context, env *Envelope) error {
	h.mu.Lock()
	h.attempts = append(h.attempts, env.Attempt)
	h.ids = append(h.ids, env.ID)
	n := len(h.attempts)
	h.mu.Unlock()

	if h.panicAll {
		panic("boom")
	}
	if n <= h.failN {
		return errors.New("transient")
	}
	return nil
}

func (h *recordingHandler) seen() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.attempts...)
}

func TestMemoryBus_DeliversPayloadAndAttributes(t *testing.T) {
	bus := NewMemoryBus(Options{})
	ctx := context.Background()

	var got *Envelope
	require.NoError(t, bus.Subscribe(ctx, "requests", func(_ context.Context, env *Envelope) error {
		got = env
		return nil
	}))

	id, err := bus.Publish(ctx, "requests", []byte(`{"bucket":"uploads","name":"cat.jpg"}`), map[string]string{"k": "v"})
	require.NoError(t, err)
	bus.Wait()

	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "v", got.Attribute("k"))
	assert.Equal(t, "", got.Attribute("missing"))

	var ev struct {
		Bucket string `json:"bucket"`
		Name   string `json:"name"`
	}
	require.NoError(t, got.Unmarshal(&ev))
	assert.Equal(t, "uploads", ev.Bucket)
	assert.Equal(t, "cat.jpg", ev.Name)
}

func TestMemoryBus_BacklogFlushedOnSubscribe(t *testing.T) {
	bus := NewMemoryBus(Options{})
	ctx := context.Background()

	_, err := bus.Publish(ctx, "results", []byte(`{"status":"done"}`), nil)
	require.NoError(t, err)

	h := &recordingHandler{}
	require.NoError(t, bus.Subscribe(ctx, "results", h.handle))
	bus.Wait()

	assert.Equal(t, []int{1}, h.seen())
}

func TestMemoryBus_RedeliversUntilSuccess(t *testing.T) {
	bus := NewMemoryBus(Options{Policy: RetryPolicy{MaxAttempts: 3}})
	ctx := context.Background()

	h := &recordingHandler{failN: 2}
	require.NoError(t, bus.Subscribe(ctx, "requests", h.handle))

	_, err := bus.Publish(ctx, "requests", []byte("x"), nil)
	require.NoError(t, err)
	bus.Wait()

	assert.Equal(t, []int{1, 2, 3}, h.seen())
	assert.Len(t, bus.Published("requests"), 3)
	assert.Empty(t, bus.Published(DeadLetterTopic("requests")))

	// Redeliveries keep the message id.
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, h.ids[0], h.ids[1])
	assert.Equal(t, h.ids[0], h.ids[2])
}

func TestMemoryBus_DeadLettersAfterMaxAttempts(t *testing.T) {
	bus := NewMemoryBus(Options{Policy: RetryPolicy{MaxAttempts: 2}})
	ctx := context.Background()

	h := &recordingHandler{failN: 100}
	require.NoError(t, bus.Subscribe(ctx, "requests", h.handle))

	_, err := bus.Publish(ctx, "requests", []byte("x"), nil)
	require.NoError(t, err)
	bus.Wait()

	assert.Equal(t, []int{1, 2}, h.seen())

	dead := bus.Published(DeadLetterTopic("requests"))
	require.Len(t, dead, 1)
	assert.Equal(t, "requests", dead[0].Attribute(AttrOriginalTopic))
	assert.Equal(t, "transient", dead[0].Attribute(AttrDeadLetterReason))
	assert.Equal(t, 2, dead[0].Attempt)
	assert.Equal(t, []byte("x"), dead[0].Data)
}

func TestMemoryBus_RecoversHandlerPanic(t *testing.T) {
	bus := NewMemoryBus(Options{Policy: RetryPolicy{MaxAttempts: 1}})
	ctx := context.Background()

	h := &recordingHandler{panicAll: true}
	require.NoError(t, bus.Subscribe(ctx, "requests", h.handle))

	_, err := bus.Publish(ctx, "requests", []byte("x"), nil)
	require.NoError(t, err)
	bus.Wait()

	dead := bus.Published(DeadLetterTopic("requests"))
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Attribute(AttrDeadLetterReason), "handler panic")
}

func TestMemoryBus_DeliverDuplicate(t *testing.T) {
	bus := NewMemoryBus(Options{})
	ctx := context.Background()

	h := &recordingHandler{}
	require.NoError(t, bus.Subscribe(ctx, "requests", h.handle))

	_, err := bus.Publish(ctx, "requests", []byte("x"), nil)
	require.NoError(t, err)
	bus.Wait()

	published := bus.Published("requests")
	require.Len(t, published, 1)
	bus.Deliver(published[0])
	bus.Wait()

	assert.Equal(t, []int{1, 1}, h.seen())
	assert.Len(t, bus.Published("requests"), 1)
}

func TestMemoryBus_ClosedRejectsUse(t *testing.T) {
	bus := NewMemoryBus(Options{})
	require.NoError(t, bus.Close())

	_, err := bus.Publish(context.Background(), "requests", []byte("x"), nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, bus.Subscribe(context.Background(), "requests", (&recordingHandler{}).handle), ErrClosed)
}
