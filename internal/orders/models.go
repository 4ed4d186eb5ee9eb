package orders

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("orders: order not found")
	ErrEmptyOrder = errors.New("orders: order has no lines")
)

type Order struct {
	ID             string
	ExternalID     string // caller idempotency key, empty when none was given
	Status         Status
	TotalSats      int64
	PaymentRequest string // encoded request handed to the payer
	RequestRef     string
	SettlementRef  string
	Shipping       json.RawMessage
	Oversold       bool
	Lines          []OrderLine
	CreatedAt      time.Time
	UpdatedAt      time.Time
	PaidAt         *time.Time
}

// HasPaymentRequest reports whether a payment request has been attached.
func (o Order) HasPaymentRequest() bool { return o.RequestRef != "" }

// Age is how long the order has existed as of now.
func (o Order) Age(now time.Time) time.Duration { return now.Sub(o.CreatedAt) }

type OrderLine struct {
	ID            string
	OrderID       string
	ProductID     string
	VariantID     string // empty when the product has no variant
	Quantity      int
	UnitPriceSats int64
}

// NewOrder is the input to CreateOrder. TotalSats must already be resolved from the catalog.
type NewOrder struct {
	ExternalID string
	Lines      []OrderLine
	Shipping   json.RawMessage
	TotalSats  int64
}

// Validate checks the rules CreateOrder enforces before writing.
func (n NewOrder) Validate() error {
	if len(n.Lines) == 0 {
		return ErrEmptyOrder
	}
	var sum int64
	for _, l := range n.Lines {
		if l.Quantity <= 0 {
			return errors.New("orders: line quantity must be greater than zero")
		}
		sum += l.UnitPriceSats * int64(l.Quantity)
	}
	if sum != n.TotalSats {
		return errors.New("orders: total does not match line items")
	}
	return nil
}

type PaymentRequest struct {
	Encoded string
	Ref     string
}
