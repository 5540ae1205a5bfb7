package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/weiawesome/image-pipeline/pkg/log"
)

// LogSink writes each record as one structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink uses logger for every record.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(_ context.Context, rec Record) error {
	var evt *zerolog.Event
	msg := "process result received"
	if rec.DecodeErr != nil {
		evt = s.logger.Warn().Err(rec.DecodeErr).Str(log.FieldResult, "decode_error")
		msg = "undecodable process result"
	} else {
		evt = s.logger.Info().Str(log.FieldResult, rec.Result.Status)
	}

	evt = evt.
		Str(log.FieldLogType, log.LogTypeNotification).
		Str(log.FieldMessageID, rec.MessageID).
		Str(log.FieldTopic, rec.Topic).
		Int(log.FieldAttempt, rec.Attempt)

	if raw, ok := rawJSON(rec.Raw); ok {
		evt = evt.RawJSON(log.FieldEvent, raw)
	} else {
		evt = evt.Bytes(log.FieldEvent, rec.Raw)
	}
	if len(rec.Attributes) > 0 {
		dict := zerolog.Dict()
		for k, v := range rec.Attributes {
			dict = dict.Str(k, v)
		}
		evt = evt.Dict("attributes", dict)
	}

	evt.Msg(msg)
	return nil
}
