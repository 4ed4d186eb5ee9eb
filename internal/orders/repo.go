package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/sats-orders/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repo is the postgres-backed order ledger.
type Repo struct{ DB postgres.DB }

const orderColumns = `id, COALESCE(external_id, ''), status, total_sats, COALESCE(payment_request, ''),
	COALESCE(request_ref, ''), COALESCE(settlement_ref, ''), shipping, oversold, created_at, updated_at, paid_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.ExternalID, &status, &o.TotalSats, &o.PaymentRequest,
		&o.RequestRef, &o.SettlementRef, &o.Shipping, &o.Oversold, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt)
	o.Status = Status(status)
	return o, err
}

// CreateOrder writes the order and its lines in one transaction.
// A non-empty ExternalID makes the call idempotent: an existing order with
// that key is returned with existed=true.
func (r *Repo) CreateOrder(ctx context.Context, in NewOrder) (o Order, existed bool, err error) {
	if err := in.Validate(); err != nil {
		return Order{}, false, err
	}
	if in.ExternalID != "" {
		o, err = r.getByExternalID(ctx, in.ExternalID)
		if err == nil {
			return o, true, nil
		} else if !errors.Is(err, ErrNotFound) {
			return Order{}, false, err
		}
	}

	shipping := in.Shipping
	if len(shipping) == 0 {
		shipping = []byte("{}")
	}
	var externalID any
	if in.ExternalID != "" {
		externalID = in.ExternalID
	}
	err = postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		orderID := uuid.NewString()
		o, err = scanOrder(tx.QueryRow(ctx, `
			INSERT INTO orders(id, external_id, status, total_sats, shipping)
			VALUES ($1, $2, 'pending', $3, $4)
			RETURNING `+orderColumns, orderID, externalID, in.TotalSats, shipping))
		if err != nil {
			return err
		}
		for _, l := range in.Lines {
			line := l
			line.ID = uuid.NewString()
			line.OrderID = orderID
			var variantID any
			if l.VariantID != "" {
				variantID = l.VariantID
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO order_lines(id, order_id, product_id, variant_id, quantity, unit_price_sats)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				line.ID, orderID, line.ProductID, variantID, line.Quantity, line.UnitPriceSats,
			); err != nil {
				return err
			}
			o.Lines = append(o.Lines, line)
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && in.ExternalID != "" {
			// lost the race for this external_id
			o, err = r.getByExternalID(ctx, in.ExternalID)
			return o, err == nil, err
		}
		return Order{}, false, err
	}
	return o, false, nil
}

func (r *Repo) getByExternalID(ctx context.Context, externalID string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_id=$1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Lines, err = r.lines(ctx, o.ID)
	return o, err
}

func (r *Repo) Get(ctx context.Context, orderID string) (Order, error) {
	if uuid.Validate(orderID) != nil {
		return Order{}, ErrNotFound
	}
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Lines, err = r.lines(ctx, o.ID)
	return o, err
}

func (r *Repo) lines(ctx context.Context, orderID string) ([]OrderLine, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, product_id, COALESCE(variant_id::text, ''), quantity, unit_price_sats
		FROM order_lines WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderLine
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.VariantID, &l.Quantity, &l.UnitPriceSats); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *Repo) status(ctx context.Context, orderID string) (Status, error) {
	if uuid.Validate(orderID) != nil {
		return "", ErrNotFound
	}
	var s string
	err := r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return Status(s), err
}

// AttachPaymentRequest records req on a pending order that has none yet and
// returns the stored order. If another request is already attached, the
// stored one wins and is returned unchanged.
func (r *Repo) AttachPaymentRequest(ctx context.Context, orderID string, req PaymentRequest) (Order, error) {
	if uuid.Validate(orderID) != nil {
		return Order{}, ErrNotFound
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET payment_request=$2, request_ref=$3, updated_at=NOW()
		WHERE id=$1 AND status='pending' AND request_ref IS NULL`,
		orderID, req.Encoded, req.Ref)
	if err != nil {
		return Order{}, err
	}
	o, err := r.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if ct.RowsAffected() == 0 && o.Status != StatusPending {
		return Order{}, fmt.Errorf("%w: %s", ErrNotPending, o.Status)
	}
	return o, nil
}

// MarkPaid moves a pending order to paid. Only the caller whose conditional
// update matched gets transitioned=true.
func (r *Repo) MarkPaid(ctx context.Context, orderID, settlementRef string) (bool, error) {
	if uuid.Validate(orderID) != nil {
		return false, ErrNotFound
	}
	var ref any
	if settlementRef != "" {
		ref = settlementRef
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status='paid', settlement_ref=$2, paid_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='pending'`, orderID, ref)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}
	return r.explainMiss(ctx, orderID, StatusPaid)
}

func (r *Repo) MarkFulfilled(ctx context.Context, orderID string) (bool, error) {
	return r.transition(ctx, orderID, StatusPaid, StatusFulfilled)
}

func (r *Repo) Cancel(ctx context.Context, orderID string) (bool, error) {
	return r.transition(ctx, orderID, StatusPending, StatusCancelled)
}

func (r *Repo) transition(ctx context.Context, orderID string, from, to Status) (bool, error) {
	if uuid.Validate(orderID) != nil {
		return false, ErrNotFound
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$3, updated_at=NOW()
		WHERE id=$1 AND status=$2`, orderID, string(from), string(to))
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}
	return r.explainMiss(ctx, orderID, to)
}

// explainMiss turns a conditional update that matched nothing into either a
// no-op (already in the target status) or an error.
func (r *Repo) explainMiss(ctx context.Context, orderID string, to Status) (bool, error) {
	cur, err := r.status(ctx, orderID)
	if err != nil {
		return false, err
	}
	if to == StatusPaid && cur.Settled() {
		return false, nil
	}
	if _, err := CheckTransition(cur, to); err != nil {
		return false, fmt.Errorf("%w: %s -> %s", err, cur, to)
	}
	return false, nil
}

func (r *Repo) FlagOversold(ctx context.Context, orderID string) error {
	if uuid.Validate(orderID) != nil {
		return ErrNotFound
	}
	ct, err := r.DB.Exec(ctx, `UPDATE orders SET oversold=TRUE, updated_at=NOW() WHERE id=$1`, orderID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAwaitingSettlement returns pending orders oldest first, with or without
// a payment request.
func (r *Repo) ListAwaitingSettlement(ctx context.Context, limit int) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status='pending'
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
