package catalog

import "context"

// Store is the read side of the catalog consumed by the resolver.
type Store interface {
	// ProductsByRef returns the products whose id or slug is in refs, with their variants.
	ProductsByRef(ctx context.Context, refs []string) ([]Product, error)
	// VariantsByID returns the variants whose id is in ids.
	VariantsByID(ctx context.Context, ids []string) ([]Variant, error)
	// ListProducts returns every product with its variants, ordered by slug.
	ListProducts(ctx context.Context) ([]Product, error)
}
