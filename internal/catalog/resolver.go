package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	ErrUnknownProduct  = errors.New("catalog: unknown product")
	ErrInactiveProduct = errors.New("catalog: inactive product")
	ErrUnknownVariant  = errors.New("catalog: unknown variant")
	ErrInvalidQuantity = errors.New("catalog: quantity must be greater than zero")
)

// LineRequest is what a caller asks for. It deliberately carries no price.
type LineRequest struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

type ResolvedLine struct {
	ProductID string
	VariantID string // empty when the line has no variant
	Quantity  int
	UnitPrice int64
}

type Resolution struct {
	Lines []ResolvedLine
	Total int64
}

type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve prices every requested line from the catalog and sums the total.
func (r *Resolver) Resolve(ctx context.Context, reqs []LineRequest) (Resolution, error) {
	if len(reqs) == 0 {
		return Resolution{}, nil
	}

	refs := make([]string, 0, len(reqs))
	var variantIDs []string
	for _, it := range reqs {
		if it.Quantity <= 0 {
			return Resolution{}, fmt.Errorf("%w: product %s", ErrInvalidQuantity, it.ProductID)
		}
		refs = append(refs, it.ProductID)
		if it.VariantID != "" {
			variantIDs = append(variantIDs, it.VariantID)
		}
	}

	products, err := r.store.ProductsByRef(ctx, refs)
	if err != nil {
		return Resolution{}, fmt.Errorf("load products: %w", err)
	}
	byRef := make(map[string]Product, len(products)*2)
	for _, p := range products {
		byRef[p.ID] = p
		if p.Slug != "" {
			byRef[p.Slug] = p
		}
	}

	byVariant := map[string]Variant{}
	if len(variantIDs) > 0 {
		variants, err := r.store.VariantsByID(ctx, variantIDs)
		if err != nil {
			return Resolution{}, fmt.Errorf("load variants: %w", err)
		}
		for _, v := range variants {
			byVariant[v.ID] = v
		}
	}

	out := Resolution{Lines: make([]ResolvedLine, 0, len(reqs))}
	for _, it := range reqs {
		p, ok := byRef[it.ProductID]
		if !ok {
			return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownProduct, it.ProductID)
		}
		if !p.Active {
			return Resolution{}, fmt.Errorf("%w: %s", ErrInactiveProduct, it.ProductID)
		}
		variantID := it.VariantID
		if variantID == "" && len(p.Variants) == 1 {
			// single-variant products track stock on that variant
			v := p.Variants[0]
			if !v.Active {
				return Resolution{}, fmt.Errorf("%w: variant %s", ErrInactiveProduct, v.ID)
			}
			variantID = v.ID
		} else if variantID == "" && len(p.Variants) > 1 {
			return Resolution{}, fmt.Errorf("%w: %s requires a variant", ErrUnknownVariant, it.ProductID)
		} else if variantID != "" {
			v, ok := byVariant[variantID]
			if !ok || v.ProductID != p.ID {
				return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownVariant, it.VariantID)
			}
			if !v.Active {
				return Resolution{}, fmt.Errorf("%w: variant %s", ErrInactiveProduct, it.VariantID)
			}
		}

		if p.PriceSats > 0 && int64(it.Quantity) > (math.MaxInt64-out.Total)/p.PriceSats {
			return Resolution{}, fmt.Errorf("%w: total overflows for product %s", ErrInvalidQuantity, it.ProductID)
		}
		out.Total += p.PriceSats * int64(it.Quantity)
		out.Lines = append(out.Lines, ResolvedLine{
			ProductID: p.ID,
			VariantID: variantID,
			Quantity:  it.Quantity,
			UnitPrice: p.PriceSats,
		})
	}
	return out, nil
}
