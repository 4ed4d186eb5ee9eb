// Package memstore is an in-memory catalog, order ledger and inventory ledger
// with the same semantics as the postgres repos. One mutex guards everything,
// so each call is atomic the way a single-statement update is.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/sats-orders/internal/catalog"
	"github.com/ariefcatur/sats-orders/internal/inventory"
	"github.com/ariefcatur/sats-orders/internal/orders"
	"github.com/google/uuid"
)

type Store struct {
	mu         sync.Mutex
	products   map[string]catalog.Product
	slugs      map[string]string
	variants   map[string]*catalog.Variant
	orders     map[string]*orders.Order
	byExternal map[string]string
	movements  map[string]map[string]int64 // order -> variant -> applied
	now        func() time.Time
}

func New() *Store {
	return &Store{
		products:   map[string]catalog.Product{},
		slugs:      map[string]string{},
		variants:   map[string]*catalog.Variant{},
		orders:     map[string]*orders.Order{},
		byExternal: map[string]string{},
		movements:  map[string]map[string]int64{},
		now:        time.Now,
	}
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// AddProduct seeds a product together with its variants.
func (s *Store) AddProduct(p catalog.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range p.Variants {
		v := v
		v.ProductID = p.ID
		s.variants[v.ID] = &v
	}
	p.Variants = nil
	s.products[p.ID] = p
	if p.Slug != "" {
		s.slugs[p.Slug] = p.ID
	}
}

// --- catalog ---

func (s *Store) withVariants(p catalog.Product) catalog.Product {
	p.Variants = nil
	for _, v := range s.variants {
		if v.ProductID == p.ID {
			p.Variants = append(p.Variants, *v)
		}
	}
	sort.Slice(p.Variants, func(i, j int) bool { return p.Variants[i].Label < p.Variants[j].Label })
	return p
}

func (s *Store) ProductsByRef(_ context.Context, refs []string) ([]catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []catalog.Product
	for _, ref := range refs {
		id := ref
		if pid, ok := s.slugs[ref]; ok {
			id = pid
		}
		p, ok := s.products[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, s.withVariants(p))
	}
	return out, nil
}

func (s *Store) VariantsByID(_ context.Context, ids []string) ([]catalog.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.Variant
	for _, id := range ids {
		if v, ok := s.variants[id]; ok {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (s *Store) ListProducts(_ context.Context) ([]catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, s.withVariants(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// --- order ledger ---

func cloneOrder(o *orders.Order) orders.Order {
	c := *o
	c.Lines = append([]orders.OrderLine(nil), o.Lines...)
	c.Shipping = append([]byte(nil), o.Shipping...)
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	return c
}

func (s *Store) CreateOrder(_ context.Context, in orders.NewOrder) (orders.Order, bool, error) {
	if err := in.Validate(); err != nil {
		return orders.Order{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ExternalID != "" {
		if id, ok := s.byExternal[in.ExternalID]; ok {
			return cloneOrder(s.orders[id]), true, nil
		}
	}

	now := s.now()
	o := &orders.Order{
		ID:         uuid.NewString(),
		ExternalID: in.ExternalID,
		Status:     orders.StatusPending,
		TotalSats:  in.TotalSats,
		Shipping:   append([]byte(nil), in.Shipping...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, l := range in.Lines {
		l.ID = uuid.NewString()
		l.OrderID = o.ID
		o.Lines = append(o.Lines, l)
	}
	s.orders[o.ID] = o
	if in.ExternalID != "" {
		s.byExternal[in.ExternalID] = o.ID
	}
	return cloneOrder(o), false, nil
}

func (s *Store) Get(_ context.Context, orderID string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) AttachPaymentRequest(_ context.Context, orderID string, req orders.PaymentRequest) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	if o.Status != orders.StatusPending {
		return orders.Order{}, fmt.Errorf("%w: %s", orders.ErrNotPending, o.Status)
	}
	if o.RequestRef == "" {
		o.PaymentRequest = req.Encoded
		o.RequestRef = req.Ref
		o.UpdatedAt = s.now()
	}
	return cloneOrder(o), nil
}

func (s *Store) MarkPaid(_ context.Context, orderID, settlementRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false, orders.ErrNotFound
	}
	if o.Status == orders.StatusPending {
		now := s.now()
		o.Status = orders.StatusPaid
		o.SettlementRef = settlementRef
		o.PaidAt = &now
		o.UpdatedAt = now
		return true, nil
	}
	if o.Status.Settled() {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s -> %s", orders.ErrIllegalTransition, o.Status, orders.StatusPaid)
}

func (s *Store) MarkFulfilled(_ context.Context, orderID string) (bool, error) {
	return s.transition(orderID, orders.StatusPaid, orders.StatusFulfilled)
}

func (s *Store) Cancel(_ context.Context, orderID string) (bool, error) {
	return s.transition(orderID, orders.StatusPending, orders.StatusCancelled)
}

func (s *Store) transition(orderID string, from, to orders.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false, orders.ErrNotFound
	}
	if o.Status == from {
		o.Status = to
		o.UpdatedAt = s.now()
		return true, nil
	}
	if _, err := orders.CheckTransition(o.Status, to); err != nil {
		return false, fmt.Errorf("%w: %s -> %s", err, o.Status, to)
	}
	return false, nil
}

func (s *Store) FlagOversold(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return orders.ErrNotFound
	}
	o.Oversold = true
	o.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListAwaitingSettlement(_ context.Context, limit int) ([]orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Order
	for _, o := range s.orders {
		if o.Status == orders.StatusPending {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- inventory ledger ---

func (s *Store) DecrementForOrder(_ context.Context, orderID string) (inventory.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep := inventory.Report{OrderID: orderID}
	o, ok := s.orders[orderID]
	if !ok {
		return rep, orders.ErrNotFound
	}
	ids, qty := inventory.Demand(o.Lines)
	sort.Strings(ids)
	applied := s.movements[orderID]
	if applied == nil {
		applied = map[string]int64{}
		s.movements[orderID] = applied
	}
	skipped := 0
	for _, id := range ids {
		if _, done := applied[id]; done {
			skipped++
			continue
		}
		var available int64
		v, ok := s.variants[id]
		if ok {
			available = v.Available
		}
		n, shortfall := inventory.Clamp(available, qty[id])
		applied[id] = n
		if ok {
			v.Available -= n
		}
		rep.Record(id, qty[id], n, shortfall)
	}
	rep.AlreadyApplied = len(ids) > 0 && skipped == len(ids)
	return rep, nil
}

func (s *Store) OrdersMissingMovements(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*orders.Order
	for id, o := range s.orders {
		if !o.Status.Settled() || len(s.movements[id]) > 0 {
			continue
		}
		if ids, _ := inventory.Demand(o.Lines); len(ids) == 0 {
			continue
		}
		pending = append(pending, o)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	var out []string
	for _, o := range pending {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, o.ID)
	}
	return out, nil
}

func (s *Store) Available(_ context.Context, variantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[variantID]
	if !ok {
		return 0, fmt.Errorf("memstore: unknown variant %s", variantID)
	}
	return v.Available, nil
}
