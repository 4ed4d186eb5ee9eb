package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated      = "OrderCreated"
	EventPaymentRequested  = "PaymentRequested"
	EventOrderPaid         = "OrderPaid"
	EventOrderFulfilled    = "OrderFulfilled"
	EventOrderCancelled    = "OrderCancelled"
	EventInventoryOversold = "InventoryOversold"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload in a v1 envelope correlated to orderID.
func NewEnvelope(eventType, producer, orderID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       b,
	}, nil
}

type LineItem struct {
	ProductID     string `json:"product_id"`
	VariantID     string `json:"variant_id,omitempty"`
	Qty           int    `json:"qty"`
	UnitPriceSats int64  `json:"unit_price_sats"`
}

type OrderCreatedPayload struct {
	OrderID    string     `json:"order_id"`
	ExternalID string     `json:"external_id,omitempty"`
	Items      []LineItem `json:"items"`
	TotalSats  int64      `json:"total_sats"`
}

type PaymentRequestedPayload struct {
	OrderID    string `json:"order_id"`
	RequestRef string `json:"request_ref"`
	AmountSats int64  `json:"amount_sats"`
}

type OrderPaidPayload struct {
	OrderID       string `json:"order_id"`
	SettlementRef string `json:"settlement_ref,omitempty"`
	TotalSats     int64  `json:"total_sats"`
}

type OrderStatusPayload struct {
	OrderID string `json:"order_id"`
	Status  Status `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

type ShortfallDetail struct {
	VariantID string `json:"variant_id"`
	Requested int64  `json:"requested"`
	Applied   int64  `json:"applied"`
	Shortfall int64  `json:"shortfall"`
}

type InventoryOversoldPayload struct {
	OrderID    string            `json:"order_id"`
	Shortfalls []ShortfallDetail `json:"shortfalls"`
}

func LineItems(lines []OrderLine) []LineItem {
	out := make([]LineItem, 0, len(lines))
	for _, l := range lines {
		out = append(out, LineItem{ProductID: l.ProductID, VariantID: l.VariantID, Qty: l.Quantity, UnitPriceSats: l.UnitPriceSats})
	}
	return out
}
