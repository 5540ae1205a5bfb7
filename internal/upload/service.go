package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/weiawesome/image-pipeline/internal/audit"
	"github.com/weiawesome/image-pipeline/internal/domain"
	"github.com/weiawesome/image-pipeline/internal/status"
	"github.com/weiawesome/image-pipeline/pkg/log"
	"github.com/weiawesome/image-pipeline/pkg/pubsub"
	"github.com/weiawesome/image-pipeline/pkg/storage"
)

var ErrStatusNotFound = errors.New("no status for object")

// Service accepts uploads into the uploads bucket and requests their processing.
type Service interface {
	Upload(ctx context.Context, req domain.UploadRequest) (*domain.UploadResult, error)
	Status(ctx context.Context, name string) (*domain.StatusRecord, error)
}

// Options wires the service to its stores.
type Options struct {
	Store        storage.ObjectStore
	Publisher    pubsub.Publisher
	Tracker      status.Tracker
	Bucket       string
	RequestTopic string
}

type uploadServiceImpl struct {
	store     storage.ObjectStore
	publisher pubsub.Publisher
	tracker   status.Tracker
	bucket    string
	topic     string
}

// NewService creates a new upload service.
func NewService(opts Options) Service {
	tracker := opts.Tracker
	if tracker == nil {
		tracker = status.NopTracker{}
	}
	return &uploadServiceImpl{
		store:     opts.Store,
		publisher: opts.Publisher,
		tracker:   tracker,
		bucket:    opts.Bucket,
		topic:     opts.RequestTopic,
	}
}

// Upload writes the content, and only after the write is acknowledged
// publishes the process request. Each call makes exactly one write attempt
// and at most one publish attempt. A failed publish leaves the object stored.
func (s *uploadServiceImpl) Upload(ctx context.Context, req domain.UploadRequest) (*domain.UploadResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx = log.WithFields(ctx, map[string]string{
		log.FieldStage:  "upload",
		log.FieldBucket: s.bucket,
		log.FieldObject: req.FileName,
	})
	l := log.Ctx(ctx)

	if err := s.store.Put(ctx, s.bucket, req.FileName, req.Content, req.ContentType); err != nil {
		l.Error().Err(err).Msg("failed to store upload")
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageWrite, err)
	}
	status.Record(ctx, s.tracker, s.bucket, req.FileName, domain.StageUploaded, "")
	audit.Log(ctx, audit.ActionUpload, s.bucket, req.FileName, "upload stored")

	payload, err := domain.ProcessRequestEvent{Bucket: s.bucket, Name: req.FileName}.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPublish, err)
	}

	msgID, err := s.publisher.Publish(ctx, s.topic, payload, nil)
	if err != nil {
		l.Error().Err(err).Str(log.FieldTopic, s.topic).Msg("failed to publish process request, object remains stored")
		return nil, fmt.Errorf("%w: %v", domain.ErrPublish, err)
	}
	status.Record(ctx, s.tracker, s.bucket, req.FileName, domain.StageRequested, "")

	audit.LogWithDetail(ctx, audit.ActionProcessRequest, s.bucket, req.FileName, msgID, "processing requested")
	l.Info().
		Int(log.FieldSize, len(req.Content)).
		Str(log.FieldMessageID, msgID).
		Msg("process request published")

	return &domain.UploadResult{
		Bucket:    s.bucket,
		Name:      req.FileName,
		Size:      len(req.Content),
		MessageID: msgID,
	}, nil
}

// Status returns the tracked lifecycle of an uploaded object.
func (s *uploadServiceImpl) Status(ctx context.Context, name string) (*domain.StatusRecord, error) {
	rec, err := s.tracker.Get(ctx, s.bucket, name)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return nil, ErrStatusNotFound
		}
		return nil, err
	}
	return rec, nil
}
