// Package reconcile ties order creation to payment requests and commits
// settlement: the order goes to paid and inventory is taken exactly once.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/sats-orders/internal/catalog"
	"github.com/ariefcatur/sats-orders/internal/gateway"
	"github.com/ariefcatur/sats-orders/internal/inventory"
	"github.com/ariefcatur/sats-orders/internal/logging"
	"github.com/ariefcatur/sats-orders/internal/metrics"
	"github.com/ariefcatur/sats-orders/internal/orders"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/ariefcatur/sats-orders/internal/reconcile"

type OrderLedger interface {
	CreateOrder(ctx context.Context, in orders.NewOrder) (orders.Order, bool, error)
	Get(ctx context.Context, orderID string) (orders.Order, error)
	AttachPaymentRequest(ctx context.Context, orderID string, req orders.PaymentRequest) (orders.Order, error)
	MarkPaid(ctx context.Context, orderID, settlementRef string) (bool, error)
	MarkFulfilled(ctx context.Context, orderID string) (bool, error)
	Cancel(ctx context.Context, orderID string) (bool, error)
	FlagOversold(ctx context.Context, orderID string) error
	ListAwaitingSettlement(ctx context.Context, limit int) ([]orders.Order, error)
}

type InventoryLedger interface {
	DecrementForOrder(ctx context.Context, orderID string) (inventory.Report, error)
	OrdersMissingMovements(ctx context.Context, limit int) ([]string, error)
}

type PriceResolver interface {
	Resolve(ctx context.Context, reqs []catalog.LineRequest) (catalog.Resolution, error)
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic string, key []byte, v any) error
}

// PaidCache is a read-through hint for settled orders. The ledger stays
// authoritative; cache failures are logged and ignored.
type PaidCache interface {
	MarkPaid(ctx context.Context, orderID, settlementRef string) error
	IsPaid(ctx context.Context, orderID string) (bool, error)
}

type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
	Remember(ctx context.Context, key, orderID string) error
}

// Deps wires the engine. Orders, Inventory, Resolver and Gateway are required.
type Deps struct {
	Orders    OrderLedger
	Inventory InventoryLedger
	Resolver  PriceResolver
	Gateway   gateway.Gateway

	Publisher   Publisher
	Cache       PaidCache
	Idempotency IdempotencyStore
	Metrics     *metrics.Reconcile
	Logger      *zap.Logger
	Producer    string // service name stamped on events
	Now         func() time.Time
}

type Engine struct {
	orders    OrderLedger
	inventory InventoryLedger
	resolver  PriceResolver
	gateway   gateway.Gateway

	publisher Publisher
	cache     PaidCache
	idem      IdempotencyStore
	metrics   *metrics.Reconcile
	log       *zap.Logger
	producer  string
	now       func() time.Time
	tracer    trace.Tracer

	inflight singleflight.Group
}

func New(d Deps) (*Engine, error) {
	switch {
	case d.Orders == nil:
		return nil, errors.New("reconcile: order ledger is required")
	case d.Inventory == nil:
		return nil, errors.New("reconcile: inventory ledger is required")
	case d.Resolver == nil:
		return nil, errors.New("reconcile: price resolver is required")
	case d.Gateway == nil:
		return nil, errors.New("reconcile: payment gateway is required")
	}
	e := &Engine{
		orders:    d.Orders,
		inventory: d.Inventory,
		resolver:  d.Resolver,
		gateway:   d.Gateway,
		publisher: d.Publisher,
		cache:     d.Cache,
		idem:      d.Idempotency,
		metrics:   d.Metrics,
		log:       d.Logger,
		producer:  d.Producer,
		now:       d.Now,
		tracer:    otel.Tracer(tracerName),
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.producer == "" {
		e.producer = "sats-orders"
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

type CreateInput struct {
	Items          []catalog.LineRequest
	Shipping       json.RawMessage
	IdempotencyKey string
}

type CreateResult struct {
	OrderID               string
	EncodedPaymentRequest string
	TotalSats             int64
	Status                orders.Status
}

func resultFor(o orders.Order) CreateResult {
	return CreateResult{
		OrderID:               o.ID,
		EncodedPaymentRequest: o.PaymentRequest,
		TotalSats:             o.TotalSats,
		Status:                o.Status,
	}
}

// Create prices the items, persists a pending order and issues a payment
// request for its total. When issuance fails the order is kept without a
// request and the returned result still carries its id, so the caller can
// retry with IssuePaymentRequest.
func (e *Engine) Create(ctx context.Context, in CreateInput) (res CreateResult, err error) {
	ctx, span := e.tracer.Start(ctx, "reconcile.Create")
	defer func() { endSpan(span, err) }()
	log := e.logger(ctx)

	if in.IdempotencyKey != "" {
		if o, ok := e.lookupIdempotent(ctx, in.IdempotencyKey); ok {
			span.SetAttributes(attribute.String("order.id", o.ID), attribute.Bool("order.replayed", true))
			return e.ensureRequest(ctx, o)
		}
	}

	resolved, err := e.resolver.Resolve(ctx, in.Items)
	if err != nil {
		return CreateResult{}, err
	}
	if len(resolved.Lines) == 0 {
		return CreateResult{}, orders.ErrEmptyOrder
	}

	lines := make([]orders.OrderLine, 0, len(resolved.Lines))
	for _, l := range resolved.Lines {
		lines = append(lines, orders.OrderLine{
			ProductID:     l.ProductID,
			VariantID:     l.VariantID,
			Quantity:      l.Quantity,
			UnitPriceSats: l.UnitPrice,
		})
	}
	o, existed, err := e.orders.CreateOrder(ctx, orders.NewOrder{
		ExternalID: in.IdempotencyKey,
		Lines:      lines,
		Shipping:   in.Shipping,
		TotalSats:  resolved.Total,
	})
	if err != nil {
		return CreateResult{}, fmt.Errorf("create order: %w", err)
	}
	span.SetAttributes(attribute.String("order.id", o.ID), attribute.Int64("order.total_sats", o.TotalSats))

	if !existed {
		e.metrics.OrderCreated()
		log.Info("order_created", zap.String("order_id", o.ID), zap.Int64("total_sats", o.TotalSats))
		e.publish(ctx, orders.TopicOrderCreated, orders.EventOrderCreated, o.ID, orders.OrderCreatedPayload{
			OrderID:    o.ID,
			ExternalID: o.ExternalID,
			Items:      orders.LineItems(o.Lines),
			TotalSats:  o.TotalSats,
		})
	}
	if in.IdempotencyKey != "" && e.idem != nil {
		if err := e.idem.Remember(ctx, in.IdempotencyKey, o.ID); err != nil {
			log.Warn("idempotency_remember_failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	return e.ensureRequest(ctx, o)
}

func (e *Engine) lookupIdempotent(ctx context.Context, key string) (orders.Order, bool) {
	if e.idem == nil {
		return orders.Order{}, false
	}
	id, ok, err := e.idem.Lookup(ctx, key)
	if err != nil {
		e.logger(ctx).Warn("idempotency_lookup_failed", zap.Error(err))
		return orders.Order{}, false
	}
	if !ok {
		return orders.Order{}, false
	}
	o, err := e.orders.Get(ctx, id)
	if err != nil {
		return orders.Order{}, false
	}
	return o, true
}

// ensureRequest issues a payment request for a pending order that has none.
func (e *Engine) ensureRequest(ctx context.Context, o orders.Order) (CreateResult, error) {
	if o.HasPaymentRequest() || o.Status != orders.StatusPending {
		return resultFor(o), nil
	}
	issued, err := e.issue(ctx, o)
	if err != nil {
		return resultFor(o), err
	}
	return resultFor(issued), nil
}

// IssuePaymentRequest is the retry point after a failed issuance. An order
// that already carries a request gets the stored one back.
func (e *Engine) IssuePaymentRequest(ctx context.Context, orderID string) (res CreateResult, err error) {
	ctx, span := e.tracer.Start(ctx, "reconcile.IssuePaymentRequest",
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return CreateResult{}, err
	}
	if o.Status != orders.StatusPending {
		return resultFor(o), fmt.Errorf("%w: %s", orders.ErrNotPending, o.Status)
	}
	return e.ensureRequest(ctx, o)
}

func memo(orderID string) string { return "order " + orderID }

func (e *Engine) issue(ctx context.Context, o orders.Order) (orders.Order, error) {
	log := e.logger(ctx)
	start := time.Now()
	req, err := e.gateway.CreatePaymentRequest(ctx, o.TotalSats, memo(o.ID))
	e.metrics.ObserveGateway("create_request", start, err)
	if err != nil {
		log.Warn("payment_request_failed", zap.String("order_id", o.ID), zap.Error(err))
		return o, unavailable(err)
	}

	stored, err := e.orders.AttachPaymentRequest(ctx, o.ID, orders.PaymentRequest{Encoded: req.Encoded, Ref: req.Ref})
	if err != nil {
		return o, fmt.Errorf("attach payment request: %w", err)
	}
	if stored.RequestRef != req.Ref {
		// a concurrent call attached first; ours is never shown to a payer
		log.Info("payment_request_superseded", zap.String("order_id", o.ID), zap.String("request_ref", req.Ref))
		return stored, nil
	}
	log.Info("payment_request_issued", zap.String("order_id", o.ID), zap.String("request_ref", req.Ref))
	e.publish(ctx, orders.TopicPaymentRequested, orders.EventPaymentRequested, o.ID, orders.PaymentRequestedPayload{
		OrderID:    o.ID,
		RequestRef: req.Ref,
		AmountSats: o.TotalSats,
	})
	return stored, nil
}

// Order returns the ledger view of an order.
func (e *Engine) Order(ctx context.Context, orderID string) (orders.Order, error) {
	return e.orders.Get(ctx, orderID)
}

// Cancel moves a pending order to cancelled. Paid orders cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, orderID, reason string) (bool, error) {
	ok, err := e.orders.Cancel(ctx, orderID)
	if err != nil || !ok {
		return ok, err
	}
	e.logger(ctx).Info("order_cancelled", zap.String("order_id", orderID), zap.String("reason", reason))
	e.publish(ctx, orders.TopicOrderCancelled, orders.EventOrderCancelled, orderID, orders.OrderStatusPayload{
		OrderID: orderID, Status: orders.StatusCancelled, Reason: reason,
	})
	return true, nil
}

// Fulfill records that a paid order has shipped.
func (e *Engine) Fulfill(ctx context.Context, orderID string) (bool, error) {
	ok, err := e.orders.MarkFulfilled(ctx, orderID)
	if err != nil || !ok {
		return ok, err
	}
	e.logger(ctx).Info("order_fulfilled", zap.String("order_id", orderID))
	e.publish(ctx, orders.TopicOrderFulfilled, orders.EventOrderFulfilled, orderID, orders.OrderStatusPayload{
		OrderID: orderID, Status: orders.StatusFulfilled,
	})
	return true, nil
}

func (e *Engine) publish(ctx context.Context, topic, eventType, orderID string, payload any) {
	if e.publisher == nil {
		return
	}
	env, err := orders.NewEnvelope(eventType, e.producer, orderID, payload)
	if err == nil {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			env.TraceID = sc.TraceID().String()
		}
		err = e.publisher.PublishJSON(ctx, topic, orders.PartitionKey(orderID), env)
	}
	if err != nil {
		e.logger(ctx).Error("event_publish_failed",
			zap.String("order_id", orderID), zap.String("event_type", eventType), zap.Error(err))
	}
}

func (e *Engine) logger(ctx context.Context) *zap.Logger {
	return logging.FromContextOr(ctx, e.log)
}

func unavailable(err error) error {
	if errors.Is(err, gateway.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", gateway.ErrUnavailable, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
