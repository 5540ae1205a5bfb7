package pubsub

import (
	"context"

	"github.com/weiawesome/image-pipeline/pkg/log"
)

// acker settles one transport delivery.
type acker interface {
	// Ack removes the delivery from the transport.
	Ack(ctx context.Context) error
	// Release hands the delivery back for a later redelivery.
	Release(ctx context.Context) error
}

// settle runs deliver for env and acknowledges the transport delivery once
// the outcome is settled: handled, redriven or dead-lettered. An unsettled
// delivery is released instead. settle reports whether it acknowledged.
func settle(ctx context.Context, opts Options, h Handler, env *Envelope, send sendFunc, a acker) bool {
	l := log.Ctx(ctx)

	if err := deliver(ctx, opts.Policy, h, env, send); err != nil {
		l.Warn().Err(err).Str(log.FieldMessageID, env.ID).Msg("delivery left unsettled, releasing")
		if rerr := a.Release(context.WithoutCancel(ctx)); rerr != nil {
			l.Error().Err(rerr).Str(log.FieldMessageID, env.ID).Msg("failed to release delivery")
		}
		return false
	}

	if err := a.Ack(context.WithoutCancel(ctx)); err != nil {
		l.Error().Err(err).Str(log.FieldMessageID, env.ID).Msg("failed to ack delivery")
	}
	return true
}

// redeliveredAttempt adds transport-level redeliveries to the attempt
// recorded in the envelope. deliveries counts how often the transport handed
// out the same entry; each delivery beyond the first ended without being
// settled and counts as a failed attempt.
func redeliveredAttempt(attempt int, deliveries int64) int {
	if attempt < 1 {
		attempt = 1
	}
	if deliveries > 1 {
		attempt += int(deliveries - 1)
	}
	return attempt
}
