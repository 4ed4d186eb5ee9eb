package catalog

import (
	"context"

	"github.com/ariefcatur/sats-orders/internal/postgres"
)

type PostgresStore struct{ DB postgres.DB }

func (s *PostgresStore) ProductsByRef(ctx context.Context, refs []string) ([]Product, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, slug, name, price_sats, active, created_at, updated_at
		FROM products
		WHERE id::text = ANY($1) OR slug = ANY($1)`, refs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	var ids []string
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.PriceSats, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}
	return out, s.attachVariants(ctx, out, `WHERE product_id::text = ANY($1)`, ids)
}

func (s *PostgresStore) VariantsByID(ctx context.Context, ids []string) ([]Variant, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, product_id, label, available, active
		FROM variants WHERE id::text = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Variant
	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.ID, &v.ProductID, &v.Label, &v.Available, &v.Active); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, slug, name, price_sats, active, created_at, updated_at
		FROM products ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.PriceSats, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, s.attachVariants(ctx, out, ``)
}

func (s *PostgresStore) attachVariants(ctx context.Context, products []Product, where string, args ...any) error {
	idx := make(map[string]int, len(products))
	for i, p := range products {
		idx[p.ID] = i
	}
	rows, err := s.DB.Query(ctx, `SELECT id, product_id, label, available, active FROM variants `+where+` ORDER BY label`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.ID, &v.ProductID, &v.Label, &v.Available, &v.Active); err != nil {
			return err
		}
		if i, ok := idx[v.ProductID]; ok {
			products[i].Variants = append(products[i].Variants, v)
		}
	}
	return rows.Err()
}
