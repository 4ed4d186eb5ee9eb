package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/sats-orders/internal/catalog"
	"github.com/ariefcatur/sats-orders/internal/gateway"
	"github.com/ariefcatur/sats-orders/internal/logging"
	"github.com/ariefcatur/sats-orders/internal/orders"
	"go.uber.org/zap"
)

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	OrderID string `json:"order_id,omitempty"`
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{catalog.ErrUnknownProduct, http.StatusBadRequest, "UnknownProduct"},
	{catalog.ErrInactiveProduct, http.StatusBadRequest, "InactiveProduct"},
	{catalog.ErrUnknownVariant, http.StatusBadRequest, "UnknownVariant"},
	{catalog.ErrInvalidQuantity, http.StatusBadRequest, "InvalidQuantity"},
	{orders.ErrEmptyOrder, http.StatusBadRequest, "EmptyOrder"},
	{orders.ErrNotFound, http.StatusNotFound, "UnknownOrder"},
	{orders.ErrNotPending, http.StatusConflict, "OrderNotPending"},
	{orders.ErrIllegalTransition, http.StatusConflict, "IllegalTransition"},
	{gateway.ErrUnavailable, http.StatusServiceUnavailable, "GatewayUnavailable"},
	{gateway.ErrUnknownRequest, http.StatusServiceUnavailable, "GatewayUnavailable"},
}

func classify(err error) (int, string) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "Internal"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, orderID string) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request_failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code, OrderID: orderID})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "InvalidRequest"})
}
