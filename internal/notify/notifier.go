// Package notify records process results to observability sinks.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/weiawesome/image-pipeline/internal/domain"
	"github.com/weiawesome/image-pipeline/pkg/log"
	"github.com/weiawesome/image-pipeline/pkg/pubsub"
)

// Record is one received result, decoded or not.
type Record struct {
	MessageID  string
	Topic      string
	Attempt    int
	Attributes map[string]string
	// Raw is the payload as received.
	Raw []byte
	// Result is set when Raw decoded; DecodeErr otherwise.
	Result     *domain.ProcessResultEvent
	DecodeErr  error
	ReceivedAt time.Time
}

// Sink receives every record.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Notifier is the bus handler for the result topic.
type Notifier struct {
	sinks []Sink
}

func NewNotifier(sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks}
}

// HandleProcessResult writes the result to every sink. It always returns
// nil: a malformed payload or a failing sink never causes redelivery.
func (n *Notifier) HandleProcessResult(ctx context.Context, env *pubsub.Envelope) error {
	rec := Record{
		MessageID:  env.ID,
		Topic:      env.Topic,
		Attempt:    env.Attempt,
		Attributes: env.Attributes,
		Raw:        env.Data,
		ReceivedAt: time.Now().UTC(),
	}

	ev, err := domain.DecodeProcessResult(env.Data)
	if err != nil {
		rec.DecodeErr = err
	} else {
		rec.Result = &ev
	}

	for _, s := range n.sinks {
		if err := s.Write(ctx, rec); err != nil {
			l := log.Ctx(ctx)
			l.Error().Err(err).Msgf("notification sink %T failed", s)
		}
	}
	return nil
}

// rawJSON returns data if it is valid JSON, so it can be embedded as an object.
func rawJSON(data []byte) ([]byte, bool) {
	if len(data) == 0 || !json.Valid(data) {
		return nil, false
	}
	return data, true
}
