package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/sats-orders/internal/gateway"
	"github.com/ariefcatur/sats-orders/internal/orders"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Result string

const (
	ResultPaid    Result = "paid"
	ResultPending Result = "pending"
)

// Verify checks whether the order's payment request has settled and, if so,
// commits the order as paid. Only the call whose conditional update wins
// takes inventory, so any number of concurrent or repeated calls decrement
// stock once. Concurrent calls for the same order in this process share a
// single gateway query.
func (e *Engine) Verify(ctx context.Context, orderID string) (res Result, err error) {
	ctx, span := e.tracer.Start(ctx, "reconcile.Verify", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() {
		span.SetAttributes(attribute.String("verify.result", string(res)))
		endSpan(span, err)
	}()

	if e.cache != nil {
		paid, err := e.cache.IsPaid(ctx, orderID)
		if err != nil {
			e.logger(ctx).Warn("paid_cache_lookup_failed", zap.String("order_id", orderID), zap.Error(err))
		} else if paid {
			e.metrics.VerifyResult("cached")
			return ResultPaid, nil
		}
	}

	v, err, _ := e.inflight.Do(orderID, func() (any, error) {
		return e.verify(context.WithoutCancel(ctx), orderID)
	})
	if err != nil {
		e.metrics.VerifyResult("error")
		return "", err
	}
	res = v.(Result)
	e.metrics.VerifyResult(string(res))
	return res, nil
}

func (e *Engine) verify(ctx context.Context, orderID string) (Result, error) {
	log := e.logger(ctx).With(zap.String("order_id", orderID))

	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	switch {
	case o.Status.Settled():
		e.rememberPaid(ctx, o.ID, o.SettlementRef)
		return ResultPaid, nil
	case o.Status != orders.StatusPending:
		return "", fmt.Errorf("%w: %s", orders.ErrNotPending, o.Status)
	case !o.HasPaymentRequest():
		return ResultPending, nil
	}

	start := time.Now()
	st, err := e.gateway.RequestStatus(ctx, o.RequestRef)
	e.metrics.ObserveGateway("request_status", start, err)
	if err != nil {
		log.Warn("payment_status_failed", zap.Error(err))
		return "", unavailable(err)
	}
	if st.State != gateway.StateConfirmed {
		log.Debug("payment_pending", zap.String("network_status", st.Raw))
		return ResultPending, nil
	}

	transitioned, err := e.orders.MarkPaid(ctx, o.ID, st.SettlementRef)
	if err != nil {
		if errors.Is(err, orders.ErrIllegalTransition) {
			// settled on the network after the order left pending
			log.Error("payment_settled_on_closed_order", zap.String("settlement_ref", st.SettlementRef), zap.Error(err))
		}
		return "", err
	}
	if !transitioned {
		return ResultPaid, nil
	}

	log.Info("order_paid", zap.String("settlement_ref", st.SettlementRef), zap.Int64("total_sats", o.TotalSats))
	e.publish(ctx, orders.TopicOrderPaid, orders.EventOrderPaid, o.ID, orders.OrderPaidPayload{
		OrderID: o.ID, SettlementRef: st.SettlementRef, TotalSats: o.TotalSats,
	})
	e.takeInventory(ctx, o.ID)
	e.rememberPaid(ctx, o.ID, st.SettlementRef)
	return ResultPaid, nil
}

// takeInventory runs the decrement for a paid order. A failure leaves the
// order paid; RepairMissingDecrements picks it up later.
func (e *Engine) takeInventory(ctx context.Context, orderID string) {
	log := e.logger(ctx).With(zap.String("order_id", orderID))
	rep, err := e.inventory.DecrementForOrder(ctx, orderID)
	if err != nil {
		log.Error("inventory_decrement_failed", zap.Error(err))
		return
	}
	if !rep.Oversold() {
		return
	}
	e.metrics.OversoldOrder()
	log.Warn("inventory_oversold", zap.Any("shortfalls", rep.Shortfalls))
	if err := e.orders.FlagOversold(ctx, orderID); err != nil {
		log.Error("flag_oversold_failed", zap.Error(err))
	}
	e.publish(ctx, orders.TopicInventoryOversold, orders.EventInventoryOversold, orderID, orders.InventoryOversoldPayload{
		OrderID: orderID, Shortfalls: rep.Shortfalls,
	})
}

func (e *Engine) rememberPaid(ctx context.Context, orderID, settlementRef string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.MarkPaid(ctx, orderID, settlementRef); err != nil {
		e.logger(ctx).Warn("paid_cache_write_failed", zap.String("order_id", orderID), zap.Error(err))
	}
}
