// Package gateway wraps the external payment network behind a narrow
// capability: issue a payment request and ask for its settlement status.
package gateway

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnavailable means the network could not be reached or refused the call.
	// Callers treat it as transient.
	ErrUnavailable    = errors.New("gateway: unavailable")
	ErrUnknownRequest = errors.New("gateway: unknown payment request")
)

// Request is an issued payment request.
type Request struct {
	Encoded string // handed to the payer
	Ref     string // used for status queries
}

type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
)

type Status struct {
	State         State
	SettlementRef string
	Raw           string // status as reported by the network
}

type Gateway interface {
	CreatePaymentRequest(ctx context.Context, amountSats int64, memo string) (Request, error)
	RequestStatus(ctx context.Context, ref string) (Status, error)
}

// Normalise maps a network status onto the internal result. Only the two
// completion signals count as confirmed, spelled with either '_' or '-';
// failed and expired stay pending.
func Normalise(raw string) State {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_") {
	case "transfer_completed", "payment_received":
		return StateConfirmed
	default:
		return StatePending
	}
}
