package catalog

import "time"

type Product struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	PriceSats int64     `json:"price_sats"`
	Active    bool      `json:"active"`
	Variants  []Variant `json:"variants,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Variant struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Label     string `json:"label"`
	Available int64  `json:"available"`
	Active    bool   `json:"active"`
}
