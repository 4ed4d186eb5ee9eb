package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Fake is an in-memory payment network for tests and STORE=memory runs.
type Fake struct {
	mu       sync.Mutex
	requests map[string]*fakeRequest
	failing  bool

	StatusCalls atomic.Int64
}

type fakeRequest struct {
	amount        int64
	memo          string
	raw           string
	settlementRef string
}

func NewFake() *Fake {
	return &Fake{requests: map[string]*fakeRequest{}}
}

func (f *Fake) CreatePaymentRequest(_ context.Context, amountSats int64, memo string) (Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return Request{}, fmt.Errorf("%w: fake offline", ErrUnavailable)
	}
	ref := uuid.NewString()
	f.requests[ref] = &fakeRequest{amount: amountSats, memo: memo, raw: "awaiting_payment"}
	return Request{Encoded: fmt.Sprintf("lnfake%d1%s", amountSats, ref), Ref: ref}, nil
}

func (f *Fake) RequestStatus(_ context.Context, ref string) (Status, error) {
	f.StatusCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return Status{}, fmt.Errorf("%w: fake offline", ErrUnavailable)
	}
	r, ok := f.requests[ref]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownRequest, ref)
	}
	return Status{State: Normalise(r.raw), SettlementRef: r.settlementRef, Raw: r.raw}, nil
}

// SetStatus sets the raw network status reported for ref.
func (f *Fake) SetStatus(ref, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.requests[ref]; ok {
		r.raw = raw
	}
}

// Settle marks ref as paid.
func (f *Fake) Settle(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.requests[ref]; ok {
		r.raw = "payment_received"
		r.settlementRef = "settle-" + ref
	}
}

// Forget drops ref, as a network does once an unpaid request expires.
func (f *Fake) Forget(ref string) {
	f.mu.Lock()
	delete(f.requests, ref)
	f.mu.Unlock()
}

func (f *Fake) SetFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

// Memo returns the memo the request was issued with.
func (f *Fake) Memo(ref string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.requests[ref]; ok {
		return r.memo
	}
	return ""
}

func (f *Fake) Amount(ref string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.requests[ref]; ok {
		return r.amount
	}
	return 0
}
