package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ariefcatur/sats-orders/internal/gateway"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepPolicy is the host-side schedule for orders nobody is polling.
// Orders older than MaxAge are verified one last time and cancelled when
// still unpaid, when they never got a payment request, or when the network
// no longer knows their request. A zero MaxAge never cancels.
type SweepPolicy struct {
	MaxAge      time.Duration
	Limit       int
	Concurrency int
}

type SweepStats struct {
	Checked   int64
	Paid      int64
	Pending   int64
	Abandoned int64
	Errors    int64
	Repaired  int64
}

// Sweep runs Verify over the oldest pending orders, abandons the stale ones,
// then repairs paid orders whose inventory decrement never ran.
func (e *Engine) Sweep(ctx context.Context, p SweepPolicy) (SweepStats, error) {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	log := e.logger(ctx)

	awaiting, err := e.orders.ListAwaitingSettlement(ctx, p.Limit)
	if err != nil {
		return SweepStats{}, err
	}

	var paid, pending, abandoned, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Concurrency)
	now := e.now()
	abandon := func(orderID, reason string) error {
		ok, err := e.Cancel(gctx, orderID, reason)
		switch {
		case err != nil:
			failed.Add(1)
			log.Warn("sweep_cancel_failed", zap.String("order_id", orderID), zap.Error(err))
		case ok:
			abandoned.Add(1)
		default:
			pending.Add(1)
		}
		return nil
	}
	for _, o := range awaiting {
		o := o
		g.Go(func() error {
			stale := p.MaxAge > 0 && o.Age(now) > p.MaxAge
			if stale && !o.HasPaymentRequest() {
				return abandon(o.ID, "abandoned")
			}
			res, err := e.Verify(gctx, o.ID)
			if err != nil {
				if stale && errors.Is(err, gateway.ErrUnknownRequest) {
					return abandon(o.ID, "payment_request_expired")
				}
				failed.Add(1)
				log.Warn("sweep_verify_failed", zap.String("order_id", o.ID), zap.Error(err))
				return nil
			}
			if res == ResultPaid {
				paid.Add(1)
				return nil
			}
			if stale {
				return abandon(o.ID, "abandoned")
			}
			pending.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	repaired, err := e.RepairMissingDecrements(ctx, p.Limit)
	stats := SweepStats{
		Checked:   int64(len(awaiting)),
		Paid:      paid.Load(),
		Pending:   pending.Load(),
		Abandoned: abandoned.Load(),
		Errors:    failed.Load(),
		Repaired:  int64(repaired),
	}
	return stats, err
}

// RepairMissingDecrements applies inventory for settled orders that have no
// movement rows, e.g. after a crash between the paid transition and the
// decrement. The ledger makes a second application a no-op.
func (e *Engine) RepairMissingDecrements(ctx context.Context, limit int) (int, error) {
	ids, err := e.inventory.OrdersMissingMovements(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		e.logger(ctx).Info("inventory_repair", zap.String("order_id", id))
		e.takeInventory(ctx, id)
	}
	return len(ids), nil
}
