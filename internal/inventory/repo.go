package inventory

import (
	"context"
	"errors"
	"sort"

	"github.com/ariefcatur/sats-orders/internal/orders"
	"github.com/ariefcatur/sats-orders/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Repo struct{ DB postgres.DB }

// DecrementForOrder takes each variant line of the order out of stock with a
// floor of zero. Rows are locked FOR UPDATE in variant id order, and every
// applied line is recorded in inventory_movements keyed by (order, variant),
// so replaying the call for the same order changes nothing.
func (r *Repo) DecrementForOrder(ctx context.Context, orderID string) (Report, error) {
	rep := Report{OrderID: orderID}
	err := postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		lines, err := variantLines(ctx, tx, orderID)
		if err != nil {
			return err
		}

		ids, qty := Demand(lines)
		sort.Strings(ids)
		skipped := 0
		for _, id := range ids {
			var available int64
			err := tx.QueryRow(ctx, `SELECT available FROM variants WHERE id=$1 FOR UPDATE`, id).Scan(&available)
			if errors.Is(err, pgx.ErrNoRows) {
				available = 0
			} else if err != nil {
				return err
			}

			applied, shortfall := Clamp(available, qty[id])
			ct, err := tx.Exec(ctx, `
				INSERT INTO inventory_movements(id, order_id, variant_id, requested, applied)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (order_id, variant_id) DO NOTHING`,
				uuid.NewString(), orderID, id, qty[id], applied)
			if err != nil {
				return err
			}
			if ct.RowsAffected() == 0 {
				skipped++
				continue
			}
			if applied > 0 {
				if _, err := tx.Exec(ctx, `
					UPDATE variants SET available = GREATEST(available - $2, 0), updated_at = NOW()
					WHERE id=$1`, id, applied); err != nil {
					return err
				}
			}
			rep.Record(id, qty[id], applied, shortfall)
		}
		rep.AlreadyApplied = len(ids) > 0 && skipped == len(ids)
		return nil
	})
	if err != nil {
		return Report{OrderID: orderID}, err
	}
	return rep, nil
}

func variantLines(ctx context.Context, tx pgx.Tx, orderID string) ([]orders.OrderLine, error) {
	rows, err := tx.Query(ctx, `
		SELECT variant_id::text, quantity FROM order_lines
		WHERE order_id=$1 AND variant_id IS NOT NULL`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []orders.OrderLine
	for rows.Next() {
		var l orders.OrderLine
		if err := rows.Scan(&l.VariantID, &l.Quantity); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// OrdersMissingMovements lists settled orders with variant lines but no
// movement rows, i.e. the decrement never ran after the paid transition.
func (r *Repo) OrdersMissingMovements(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT o.id::text FROM orders o
		WHERE o.status IN ('paid', 'fulfilled')
		  AND EXISTS (SELECT 1 FROM order_lines l WHERE l.order_id = o.id AND l.variant_id IS NOT NULL)
		  AND NOT EXISTS (SELECT 1 FROM inventory_movements m WHERE m.order_id = o.id)
		ORDER BY o.paid_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
