package inventory

import "github.com/ariefcatur/sats-orders/internal/orders"

// Report describes what DecrementForOrder applied. Shortfalls are not errors:
// the payment already settled, so the order is flagged for manual review.
type Report struct {
	OrderID        string
	Applied        []orders.ShortfallDetail // one entry per variant touched by this call
	Shortfalls     []orders.ShortfallDetail
	AlreadyApplied bool // every line had been decremented by an earlier call
}

func (r Report) Oversold() bool { return len(r.Shortfalls) > 0 }

// Demand sums quantities per variant, skipping lines without a variant.
func Demand(lines []orders.OrderLine) (ids []string, qty map[string]int64) {
	qty = map[string]int64{}
	for _, l := range lines {
		if l.VariantID == "" {
			continue
		}
		if _, seen := qty[l.VariantID]; !seen {
			ids = append(ids, l.VariantID)
		}
		qty[l.VariantID] += int64(l.Quantity)
	}
	return ids, qty
}

// Clamp returns how much of requested can be taken from available without going below zero.
func Clamp(available, requested int64) (applied, shortfall int64) {
	if available < 0 {
		available = 0
	}
	if requested <= available {
		return requested, 0
	}
	return available, requested - available
}

func (r *Report) Record(variantID string, requested, applied, shortfall int64) {
	d := orders.ShortfallDetail{VariantID: variantID, Requested: requested, Applied: applied, Shortfall: shortfall}
	r.Applied = append(r.Applied, d)
	if shortfall > 0 {
		r.Shortfalls = append(r.Shortfalls, d)
	}
}
