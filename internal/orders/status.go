package orders

import "errors"

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFulfilled Status = "fulfilled"
	StatusCancelled Status = "cancelled"
)

var (
	ErrIllegalTransition = errors.New("orders: illegal status transition")
	ErrNotPending        = errors.New("orders: order is not pending")
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusPaid: true, StatusCancelled: true},
	StatusPaid:      {StatusFulfilled: true},
	StatusFulfilled: {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// CheckTransition reports whether moving from -> to changes anything.
// Re-applying the current status is a no-op; anything outside the table is illegal.
func CheckTransition(from, to Status) (changes bool, err error) {
	if from == to {
		return false, nil
	}
	if !CanTransition(from, to) {
		return false, ErrIllegalTransition
	}
	return true, nil
}

// Settled reports whether payment has been committed for an order in this status.
func (s Status) Settled() bool {
	return s == StatusPaid || s == StatusFulfilled
}
