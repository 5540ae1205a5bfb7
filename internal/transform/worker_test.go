package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/image-pipeline/internal/domain"
	"github.com/weiawesome/image-pipeline/internal/status"
	"github.com/weiawesome/image-pipeline/pkg/log"
	"github.com/weiawesome/image-pipeline/pkg/pubsub"
	"github.com/weiawesome/image-pipeline/pkg/storage"
)

type faultyStore struct {
	*storage.MemoryStorage
	getErr error
	putErr error
	puts   int
}

func (s *faultyStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.MemoryStorage.Get(ctx, bucket, key)
}

func (s *faultyStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	return s.MemoryStorage.Put(ctx, bucket, key, data, contentType)
}

type publishedResult struct {
	topic  string
	status string
	attrs  map[string]string
}

type recordingPublisher struct {
	mu        sync.Mutex
	err       error
	published []publishedResult
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte, attrs map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	ev, err := domain.DecodeProcessResult(payload)
	if err != nil {
		return "", err
	}
	p.published = append(p.published, publishedResult{topic: topic, status: ev.Status, attrs: attrs})
	return "result-id", nil
}

func (p *recordingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.published))
	for _, r := range p.published {
		out = append(out, r.status)
	}
	return out
}

type workerFixture struct {
	store   *faultyStore
	pub     *recordingPublisher
	tracker *status.MemoryTracker
	worker  *Worker
}

func newWorkerFixture(maxAttempts int) *workerFixture {
	f := &workerFixture{
		store:   &faultyStore{MemoryStorage: storage.NewMemoryStorage()},
		pub:     &recordingPublisher{},
		tracker: status.NewMemoryTracker(),
	}
	f.worker = NewWorker(WorkerOptions{
		Store:           f.store,
		Publisher:       f.pub,
		Tracker:         f.tracker,
		ProcessedBucket: "processed",
		ResultTopic:     "process-results",
		Policy:          pubsub.RetryPolicy{MaxAttempts: maxAttempts},
	})
	return f
}

func requestEnvelope(bucket, name string, attempt int) *pubsub.Envelope {
	data, _ := domain.ProcessRequestEvent{Bucket: bucket, Name: name}.Marshal()
	return &pubsub.Envelope{ID: "req-1", Topic: "process-requests", Data: data, Attempt: attempt}
}

func (f *workerFixture) seed(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, f.store.MemoryStorage.Put(context.Background(), "uploads", name, data, ""))
}

func TestWorker_ProcessesImage(t *testing.T) {
	f := newWorkerFixture(3)
	src := encodeFixture(t, testImage(100, 100), imaging.JPEG)
	f.seed(t, "cat.jpg", src)

	require.NoError(t, f.worker.HandleProcessRequest(context.Background(), requestEnvelope("uploads", "cat.jpg", 1)))

	out, err := f.store.Get(context.Background(), "processed", "cat.jpg")
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	_, isGray := img.(*image.Gray)
	assert.True(t, isGray)
	assert.Equal(t, image.Rect(0, 0, 100, 100), img.Bounds())
	assert.Equal(t, "image/png", f.store.ContentType("processed", "cat.jpg"))

	unchanged, err := f.store.Get(context.Background(), "uploads", "cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, src, unchanged, "source must not be modified")

	require.Len(t, f.pub.published, 1)
	res := f.pub.published[0]
	assert.Equal(t, "process-results", res.topic)
	assert.Equal(t, domain.StatusDone, res.status)
	assert.Equal(t, "uploads", res.attrs[domain.AttrBucket])
	assert.Equal(t, "cat.jpg", res.attrs[domain.AttrName])

	rec, err := f.tracker.Get(context.Background(), "uploads", "cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, rec.Stage)
}

func TestWorker_DuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newWorkerFixture(3)
	f.seed(t, "cat.jpg", encodeFixture(t, testImage(40, 30), imaging.PNG))

	env := requestEnvelope("uploads", "cat.jpg", 1)
	require.NoError(t, f.worker.HandleProcessRequest(context.Background(), env))
	first, err := f.store.Get(context.Background(), "processed", "cat.jpg")
	require.NoError(t, err)

	require.NoError(t, f.worker.HandleProcessRequest(context.Background(), env))
	second, err := f.store.Get(context.Background(), "processed", "cat.jpg")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.store.Keys("processed"))
	assert.Equal(t, []string{domain.StatusDone, domain.StatusDone}, f.pub.statuses())

	rec, err := f.tracker.Get(context.Background(), "uploads", "cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, rec.Stage)
	assert.Equal(t, 1, rec.Attempts)
}

func TestWorker_TerminalFailuresPublishFailedWithoutWriting(t *testing.T) {
	tests := []struct {
		name   string
		seed   []byte
		env    *pubsub.Envelope
		reason string
	}{
		{name: "missing object", env: requestEnvelope("uploads", "ghost.png", 1), reason: ReasonNotFound},
		{name: "empty object", seed: []byte{}, env: requestEnvelope("uploads", "empty.bin", 1), reason: ReasonDecode},
		{name: "not an image", seed: []byte("hello"), env: requestEnvelope("uploads", "notes.txt", 1), reason: ReasonDecode},
		{name: "malformed payload", env: &pubsub.Envelope{ID: "x", Data: []byte("{"), Attempt: 1}, reason: ReasonInvalidRequest},
		{name: "missing name", env: &pubsub.Envelope{ID: "x", Data: []byte(`{"bucket":"uploads"}`), Attempt: 1}, reason: ReasonInvalidRequest},
		{name: "source is destination", env: requestEnvelope("processed", "cat.jpg", 1), reason: ReasonInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWorkerFixture(3)
			if tt.seed != nil {
				var ev domain.ProcessRequestEvent
				require.NoError(t, tt.env.Unmarshal(&ev))
				f.seed(t, ev.Name, tt.seed)
			}

			err := f.worker.HandleProcessRequest(context.Background(), tt.env)
			assert.NoError(t, err, "terminal failures must not trigger redelivery")

			assert.Equal(t, 0, f.store.puts)
			assert.Equal(t, 0, f.store.Keys("processed"))

			require.Len(t, f.pub.published, 1)
			assert.Equal(t, domain.StatusFailed, f.pub.published[0].status)
			assert.Equal(t, tt.reason, f.pub.published[0].attrs[domain.AttrReason])
			assert.NotEmpty(t, f.pub.published[0].attrs[domain.AttrError])
		})
	}
}

func TestWorker_TransientReadFailureRedelivers(t *testing.T) {
	f := newWorkerFixture(3)
	f.store.getErr = errors.New("connection reset")

	err := f.worker.HandleProcessRequest(context.Background(), requestEnvelope("uploads", "cat.jpg", 1))
	assert.ErrorIs(t, err, domain.ErrStorageRead)
	assert.Empty(t, f.pub.published, "no result before the final attempt")

	err = f.worker.HandleProcessRequest(context.Background(), requestEnvelope("uploads", "cat.jpg", 3))
	assert.ErrorIs(t, err, domain.ErrStorageRead)
	assert.Equal(t, []string{domain.StatusFailed}, f.pub.statuses())
	assert.Equal(t, ReasonStorageRead, f.pub.published[0].attrs[domain.AttrReason])

	rec, err := f.tracker.Get(context.Background(), "uploads", "cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailed, rec.Stage)
	assert.Equal(t, 2, rec.Attempts)
}

func TestWorker_TransientWriteFailureRedelivers(t *testing.T) {
	f := newWorkerFixture(0)
	f.seed(t, "cat.jpg", encodeFixture(t, testImage(8, 8), imaging.PNG))
	f.store.putErr = errors.New("bucket unavailable")

	err := f.worker.HandleProcessRequest(context.Background(), requestEnvelope("uploads", "cat.jpg", 7))
	assert.ErrorIs(t, err, domain.ErrStorageWrite)
	assert.Empty(t, f.pub.published, "unlimited retries never reach a final attempt")
}

func TestWorker_PublishFailureAfterWrite(t *testing.T) {
	f := newWorkerFixture(2)
	f.seed(t, "cat.jpg", encodeFixture(t, testImage(8, 8), imaging.PNG))
	f.pub.err = errors.New("bus down")

	for attempt := 1; attempt <= 2; attempt++ {
		err := f.worker.HandleProcessRequest(context.Background(), requestEnvelope("uploads", "cat.jpg", attempt))
		assert.ErrorIs(t, err, domain.ErrPublish)
	}

	exists, err := f.store.Exists(context.Background(), "processed", "cat.jpg")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestWorker_WithMemoryBusRetriesUntilDone(t *testing.T) {
	store := &faultyStore{MemoryStorage: storage.NewMemoryStorage()}
	require.NoError(t, store.MemoryStorage.Put(context.Background(), "uploads", "cat.jpg", encodeFixture(t, testImage(16, 16), imaging.JPEG), ""))

	bus := pubsub.NewMemoryBus(pubsub.Options{Policy: pubsub.RetryPolicy{MaxAttempts: 3}})
	pub := &flakyPublisher{inner: bus, failures: 1}
	w := NewWorker(WorkerOptions{
		Store:           store,
		Publisher:       pub,
		ProcessedBucket: "processed",
		ResultTopic:     "process-results",
		Policy:          pubsub.RetryPolicy{MaxAttempts: 3},
	})

	ctx := context.Background()
	require.NoError(t, bus.Subscribe(ctx, "process-requests", w.HandleProcessRequest))
	data, _ := domain.ProcessRequestEvent{Bucket: "uploads", Name: "cat.jpg"}.Marshal()
	_, err := bus.Publish(ctx, "process-requests", data, nil)
	require.NoError(t, err)
	bus.Wait()

	results := bus.Published("process-results")
	require.Len(t, results, 1)
	assert.JSONEq(t, `{"status":"done"}`, string(results[0].Data))
	assert.Len(t, bus.Published("process-requests"), 2)
	assert.Empty(t, bus.Published(pubsub.DeadLetterTopic("process-requests")))
}

// flakyPublisher fails the first n result publishes.
type flakyPublisher struct {
	mu       sync.Mutex
	inner    pubsub.Publisher
	failures int
}

func (p *flakyPublisher) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) (string, error) {
	p.mu.Lock()
	if p.failures > 0 {
		p.failures--
		p.mu.Unlock()
		return "", errors.New("bus hiccup")
	}
	p.mu.Unlock()
	return p.inner.Publish(ctx, topic, payload, attrs)
}

// lineKeys returns the top-level keys of one JSON log line, in order.
func lineKeys(t *testing.T, line []byte) []string {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(line))
	tok, err := dec.Token()
	require.NoError(t, err)
	require.Equal(t, json.Delim('{'), tok)

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		require.NoError(t, err)
		keys = append(keys, tok.(string))
		var v json.RawMessage
		require.NoError(t, dec.Decode(&v))
	}
	return keys
}

func TestWorker_LogLinesHaveUniqueKeys(t *testing.T) {
	f := newWorkerFixture(1)
	f.seed(t, "cat.jpg", encodeFixture(t, testImage(8, 8), imaging.PNG))

	var buf bytes.Buffer
	ctx := log.WithLogger(context.Background(), zerolog.New(&buf).Level(zerolog.DebugLevel))
	ctx = log.WithFields(ctx, map[string]string{
		log.FieldTopic:     "process-requests",
		log.FieldMessageID: "req-1",
		log.FieldAttempt:   "1",
	})

	require.NoError(t, f.worker.HandleProcessRequest(ctx, requestEnvelope("uploads", "cat.jpg", 1)))

	f.pub.err = errors.New("bus down")
	assert.ErrorIs(t, f.worker.HandleProcessRequest(ctx, requestEnvelope("uploads", "cat.jpg", 1)), domain.ErrPublish)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)

	var published map[string]interface{}
	for _, line := range lines {
		seen := make(map[string]bool)
		for _, k := range lineKeys(t, line) {
			assert.False(t, seen[k], "duplicate key %q in %s", k, line)
			seen[k] = true
		}

		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &m))
		if m["message"] == "result published" {
			published = m
		}
	}

	require.NotNil(t, published)
	assert.Equal(t, "req-1", published[log.FieldMessageID])
	assert.Equal(t, "result-id", published["result_message_id"])
}
