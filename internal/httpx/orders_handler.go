package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ariefcatur/sats-orders/internal/catalog"
	"github.com/ariefcatur/sats-orders/internal/orders"
	"github.com/ariefcatur/sats-orders/internal/reconcile"
	"github.com/go-chi/chi/v5"
)

type OrdersHandler struct {
	Engine  *reconcile.Engine
	Catalog catalog.Store
	Now     func() time.Time
	// Reviews, when set, exposes the oversold review queue.
	Reviews ReviewLister
}

// CreateOrderReq carries only references and quantities. Any price the
// client sends is not part of the type and is dropped by the decoder.
type CreateOrderReq struct {
	Items    []catalog.LineRequest `json:"items"`
	Shipping json.RawMessage       `json:"shipping"`
}

type CreateOrderResp struct {
	OrderID               string        `json:"order_id"`
	EncodedPaymentRequest string        `json:"encoded_payment_request"`
	TotalSats             int64         `json:"total_sats"`
	Status                orders.Status `json:"status"`
}

type VerifyResp struct {
	OrderID string           `json:"order_id"`
	Status  reconcile.Result `json:"status"`
}

type TransitionResp struct {
	OrderID      string        `json:"order_id"`
	Status       orders.Status `json:"status"`
	Transitioned bool          `json:"transitioned"`
}

type OrderLineView struct {
	ProductID     string `json:"product_id"`
	VariantID     string `json:"variant_id,omitempty"`
	Quantity      int    `json:"quantity"`
	UnitPriceSats int64  `json:"unit_price_sats"`
}

type OrderView struct {
	OrderID        string          `json:"order_id"`
	Status         orders.Status   `json:"status"`
	TotalSats      int64           `json:"total_sats"`
	PaymentRequest string          `json:"encoded_payment_request,omitempty"`
	Oversold       bool            `json:"oversold"`
	Shipping       json.RawMessage `json:"shipping,omitempty"`
	Lines          []OrderLineView `json:"lines"`
	CreatedAt      time.Time       `json:"created_at"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	AgeSeconds     int64           `json:"age_seconds"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/verify", h.verifyPayment)
	r.Post("/orders/{id}/payment-request", h.issuePaymentRequest)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/fulfill", h.fulfillOrder)
	r.Get("/products", h.listProducts)
	if h.Reviews != nil {
		r.Get("/admin/oversold-reviews", h.listOversoldReviews)
	}
}

func (h *OrdersHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	res, err := h.Engine.Create(r.Context(), reconcile.CreateInput{
		Items:          req.Items,
		Shipping:       req.Shipping,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, r, err, res.OrderID)
		return
	}
	writeJSON(w, http.StatusCreated, CreateOrderResp{
		OrderID:               res.OrderID,
		EncodedPaymentRequest: res.EncodedPaymentRequest,
		TotalSats:             res.TotalSats,
		Status:                res.Status,
	})
}

func (h *OrdersHandler) issuePaymentRequest(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	res, err := h.Engine.IssuePaymentRequest(r.Context(), orderID)
	if err != nil {
		writeError(w, r, err, orderID)
		return
	}
	writeJSON(w, http.StatusOK, CreateOrderResp{
		OrderID:               res.OrderID,
		EncodedPaymentRequest: res.EncodedPaymentRequest,
		TotalSats:             res.TotalSats,
		Status:                res.Status,
	})
}

func (h *OrdersHandler) verifyPayment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	res, err := h.Engine.Verify(r.Context(), orderID)
	if err != nil {
		writeError(w, r, err, orderID)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResp{OrderID: orderID, Status: res})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	o, err := h.Engine.Order(r.Context(), orderID)
	if err != nil {
		writeError(w, r, err, orderID)
		return
	}
	view := OrderView{
		OrderID:        o.ID,
		Status:         o.Status,
		TotalSats:      o.TotalSats,
		PaymentRequest: o.PaymentRequest,
		Oversold:       o.Oversold,
		Shipping:       o.Shipping,
		Lines:          make([]OrderLineView, 0, len(o.Lines)),
		CreatedAt:      o.CreatedAt,
		PaidAt:         o.PaidAt,
		AgeSeconds:     int64(o.Age(h.now()) / time.Second),
	}
	for _, l := range o.Lines {
		view.Lines = append(view.Lines, OrderLineView{
			ProductID: l.ProductID, VariantID: l.VariantID, Quantity: l.Quantity, UnitPriceSats: l.UnitPriceSats,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ok, err := h.Engine.Cancel(r.Context(), orderID, "admin")
	if err != nil {
		writeError(w, r, err, orderID)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResp{OrderID: orderID, Status: orders.StatusCancelled, Transitioned: ok})
}

func (h *OrdersHandler) fulfillOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ok, err := h.Engine.Fulfill(r.Context(), orderID)
	if err != nil {
		writeError(w, r, err, orderID)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResp{OrderID: orderID, Status: orders.StatusFulfilled, Transitioned: ok})
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Catalog.ListProducts(r.Context())
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	if ps == nil {
		ps = []catalog.Product{}
	}
	writeJSON(w, http.StatusOK, ps)
}
