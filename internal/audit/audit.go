package audit

import (
	"context"

	"github.com/weiawesome/image-pipeline/pkg/log"
)

// Audit actions for the pipeline.
const (
	ActionUpload          = "image.upload"
	ActionProcessRequest  = "image.process_request"
	ActionProcessComplete = "image.process_complete"
	ActionProcessFailed   = "image.process_failed"
	ActionLostNotify      = "image.lost_notification"
)

// Field constants for audit entries. The target is "<bucket>/<name>" and
// does not collide with the bucket and object fields of the context logger.
const (
	FieldAction = "action"
	FieldTarget = "target"
	FieldDetail = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action, bucket, name, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(FieldTarget, target(bucket, name)).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action, bucket, name, detail, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(FieldTarget, target(bucket, name)).
		Str(FieldDetail, detail).
		Msg(msg)
}

func target(bucket, name string) string {
	return bucket + "/" + name
}
