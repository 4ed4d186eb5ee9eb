package app

import (
	"context"

	kafkax "github.com/ariefcatur/sats-orders/internal/kafka"
	"github.com/ariefcatur/sats-orders/internal/orders"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type claimer interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type reviewPusher interface {
	Push(ctx context.Context, entry []byte) error
}

// OversoldReviewHandler copies inventory.oversold payloads onto the manual
// review queue, once per event id.
func OversoldReviewHandler(dedup claimer, queue reviewPusher, log *zap.Logger) kafkax.Handler {
	return func(ctx context.Context, m kafka.Message) error {
		var env orders.Envelope
		if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
			// poison message: commit it rather than block the partition
			log.Error("oversold_event_undecodable", zap.Int64("offset", m.Offset), zap.Error(err))
			return nil
		}
		p, err := kafkax.UnwrapPayload[orders.InventoryOversoldPayload](env.Payload)
		if err != nil {
			log.Error("oversold_payload_undecodable", zap.String("event_id", env.EventID), zap.Error(err))
			return nil
		}

		first, err := dedup.Claim(ctx, env.EventID)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		if err := queue.Push(ctx, env.Payload); err != nil {
			_ = dedup.Release(ctx, env.EventID)
			return err
		}
		log.Warn("oversold_queued_for_review", zap.String("order_id", p.OrderID), zap.Int("variants", len(p.Shortfalls)))
		return nil
	}
}
