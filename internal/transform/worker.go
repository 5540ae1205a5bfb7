package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weiawesome/image-pipeline/internal/audit"
	"github.com/weiawesome/image-pipeline/internal/domain"
	"github.com/weiawesome/image-pipeline/internal/status"
	"github.com/weiawesome/image-pipeline/pkg/log"
	"github.com/weiawesome/image-pipeline/pkg/pubsub"
	"github.com/weiawesome/image-pipeline/pkg/storage"
)

// Failure reasons attached to failed results.
const (
	ReasonInvalidRequest = "invalid_request"
	ReasonNotFound       = "not_found"
	ReasonDecode         = "decode"
	ReasonTransform      = "transform"
	ReasonStorageRead    = "storage_read"
	ReasonStorageWrite   = "storage_write"
)

// WorkerOptions wires a Worker.
type WorkerOptions struct {
	Store           storage.ObjectStore
	Publisher       pubsub.Publisher
	Transform       Transform
	Tracker         status.Tracker
	ProcessedBucket string
	ResultTopic     string
	// Policy must match the bus retry policy; the worker uses it to detect
	// the final delivery attempt.
	Policy  pubsub.RetryPolicy
	Timeout time.Duration
}

// Worker handles process requests. It reads from the request's bucket and
// writes only to the processed bucket. It keeps no state between calls.
type Worker struct {
	store     storage.ObjectStore
	publisher pubsub.Publisher
	transform Transform
	tracker   status.Tracker
	processed string
	topic     string
	policy    pubsub.RetryPolicy
	timeout   time.Duration
}

// NewWorker creates a Worker. A nil Transform selects Grayscale.
func NewWorker(opts WorkerOptions) *Worker {
	t := opts.Transform
	if t == nil {
		t = Grayscale
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = status.NopTracker{}
	}
	return &Worker{
		store:     opts.Store,
		publisher: opts.Publisher,
		transform: t,
		tracker:   tracker,
		processed: opts.ProcessedBucket,
		topic:     opts.ResultTopic,
		policy:    opts.Policy,
		timeout:   opts.Timeout,
	}
}

// HandleProcessRequest is the bus handler for the request topic.
//
// Terminal failures (bad request, missing object, undecodable image) publish
// a failed result and return nil so the request is not redelivered.
// Transient failures (store or bus unavailable) return an error so the bus
// redelivers; on the final attempt a failed result is published first.
func (w *Worker) HandleProcessRequest(ctx context.Context, env *pubsub.Envelope) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	ctx = log.WithFields(ctx, map[string]string{log.FieldStage: "transform"})

	ev, err := domain.DecodeProcessRequest(env.Data)
	if err != nil {
		return w.fail(ctx, env, ev, ReasonInvalidRequest, err)
	}
	if ev.Bucket == w.processed {
		return w.fail(ctx, env, ev, ReasonInvalidRequest,
			fmt.Errorf("%w: source bucket %q is the destination bucket", domain.ErrInvalidRequest, ev.Bucket))
	}

	ctx = log.WithFields(ctx, map[string]string{
		log.FieldBucket: ev.Bucket,
		log.FieldObject: ev.Name,
	})
	l := log.Ctx(ctx)
	status.Record(ctx, w.tracker, ev.Bucket, ev.Name, domain.StageProcessing, "")

	src, err := w.store.Get(ctx, ev.Bucket, ev.Name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return w.fail(ctx, env, ev, ReasonNotFound, fmt.Errorf("%w: %v", domain.ErrStorageRead, err))
		}
		return w.retry(ctx, env, ev, ReasonStorageRead, fmt.Errorf("%w: %v", domain.ErrStorageRead, err))
	}

	out, err := w.transform(src)
	if err != nil {
		reason := ReasonTransform
		if errors.Is(err, ErrDecode) {
			reason = ReasonDecode
		}
		return w.fail(ctx, env, ev, reason, err)
	}

	if err := w.store.Put(ctx, w.processed, ev.Name, out.Data, out.ContentType); err != nil {
		return w.retry(ctx, env, ev, ReasonStorageWrite, fmt.Errorf("%w: %v", domain.ErrStorageWrite, err))
	}
	l.Debug().Int(log.FieldSize, len(out.Data)).Str("dst_bucket", w.processed).Msg("processed object written")

	if _, err := w.publishResult(ctx, domain.StatusDone, ev, "", nil); err != nil {
		if w.policy.Exhausted(env.Attempt) {
			w.logLostNotification(ctx, ev, err)
		}
		return err
	}

	status.Record(ctx, w.tracker, ev.Bucket, ev.Name, domain.StageCompleted, "")
	audit.LogWithDetail(ctx, audit.ActionProcessComplete, ev.Bucket, ev.Name, w.processed, "image processed")
	return nil
}

// fail settles a terminal failure: no output is written, a failed result is
// published and the request is acknowledged. Only a failed publish is
// returned, so the bus retries the notification.
func (w *Worker) fail(ctx context.Context, env *pubsub.Envelope, ev domain.ProcessRequestEvent, reason string, cause error) error {
	l := log.Ctx(ctx)
	l.Warn().Err(cause).Str("reason", reason).Msg("process request failed")

	if ev.Bucket != "" && ev.Name != "" {
		status.Record(ctx, w.tracker, ev.Bucket, ev.Name, domain.StageFailed, cause.Error())
	}
	audit.LogWithDetail(ctx, audit.ActionProcessFailed, ev.Bucket, ev.Name, reason, "image processing failed")

	if _, err := w.publishResult(ctx, domain.StatusFailed, ev, reason, cause); err != nil {
		if w.policy.Exhausted(env.Attempt) {
			w.logLostNotification(ctx, ev, err)
		}
		return err
	}
	return nil
}

// retry returns cause for redelivery. On the final attempt it first
// publishes a failed result, since the bus dead-letters the request next.
func (w *Worker) retry(ctx context.Context, env *pubsub.Envelope, ev domain.ProcessRequestEvent, reason string, cause error) error {
	l := log.Ctx(ctx)

	if !w.policy.Exhausted(env.Attempt) {
		l.Warn().Err(cause).Str("reason", reason).Msg("transient failure, request will be redelivered")
		return cause
	}

	l.Error().Err(cause).Str("reason", reason).Msg("transient failure on final attempt")
	status.Record(ctx, w.tracker, ev.Bucket, ev.Name, domain.StageFailed, cause.Error())
	audit.LogWithDetail(ctx, audit.ActionProcessFailed, ev.Bucket, ev.Name, reason, "image processing failed")

	if _, err := w.publishResult(ctx, domain.StatusFailed, ev, reason, cause); err != nil {
		w.logLostNotification(ctx, ev, err)
	}
	return cause
}

func (w *Worker) publishResult(ctx context.Context, st string, ev domain.ProcessRequestEvent, reason string, cause error) (string, error) {
	payload, err := domain.ProcessResultEvent{Status: st}.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrPublish, err)
	}

	attrs := map[string]string{
		domain.AttrBucket: ev.Bucket,
		domain.AttrName:   ev.Name,
	}
	if cause != nil {
		attrs[domain.AttrError] = cause.Error()
		attrs[domain.AttrReason] = reason
	}

	// The result must go out even if the handler budget is spent.
	pubCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}

	id, err := w.publisher.Publish(pubCtx, w.topic, payload, attrs)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str("result_topic", w.topic).Str(log.FieldResult, st).Msg("failed to publish result")
		return "", fmt.Errorf("%w: %v", domain.ErrPublish, err)
	}

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldResult, st).Str("result_message_id", id).Msg("result published")
	return id, nil
}

// logLostNotification records a result that will never reach the result
// topic because the request is about to be dead-lettered.
func (w *Worker) logLostNotification(ctx context.Context, ev domain.ProcessRequestEvent, cause error) {
	l := log.Ctx(ctx)
	l.Error().
		Err(cause).
		Str(log.FieldLogType, log.LogTypeNotification).
		Str(log.FieldEvent, "lost_notification").
		Msg("result notification lost")
	audit.LogWithDetail(ctx, audit.ActionLostNotify, ev.Bucket, ev.Name, cause.Error(), "result notification lost")
}
