package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ariefcatur/sats-orders/internal/catalog"
	"github.com/ariefcatur/sats-orders/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T, available int64) (*Store, orders.Order) {
	t.Helper()
	s := New()
	s.AddProduct(catalog.Product{
		ID: "p-tee", Slug: "classic-tee", Name: "Classic Tee", PriceSats: 25000, Active: true,
		Variants: []catalog.Variant{{ID: "v-tee-m", Label: "M", Available: available, Active: true}},
	})
	o, existed, err := s.CreateOrder(context.Background(), orders.NewOrder{
		Lines:     []orders.OrderLine{{ProductID: "p-tee", VariantID: "v-tee-m", Quantity: 2, UnitPriceSats: 25000}},
		TotalSats: 50000,
	})
	require.NoError(t, err)
	require.False(t, existed)
	return s, o
}

func TestConcurrentMarkPaidHasOneWinner(t *testing.T) {
	// Arrange
	s, o := seeded(t, 10)
	var wins atomic.Int64
	var wg sync.WaitGroup

	// Act
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkPaid(context.Background(), o.ID, "tx")
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	// Assert
	assert.EqualValues(t, 1, wins.Load())
	got, err := s.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, got.Status)
	assert.NotNil(t, got.PaidAt)
}

func TestMarkPaidAfterFulfilledIsNoop(t *testing.T) {
	s, o := seeded(t, 10)
	ctx := context.Background()
	_, _ = s.MarkPaid(ctx, o.ID, "tx")
	_, err := s.MarkFulfilled(ctx, o.ID)
	require.NoError(t, err)

	ok, err := s.MarkPaid(ctx, o.ID, "tx")

	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkPaidCancelledIsIllegal(t *testing.T) {
	s, o := seeded(t, 10)
	ctx := context.Background()
	_, err := s.Cancel(ctx, o.ID)
	require.NoError(t, err)

	_, err = s.MarkPaid(ctx, o.ID, "tx")

	assert.ErrorIs(t, err, orders.ErrIllegalTransition)
}

func TestCancelPaidIsIllegal(t *testing.T) {
	s, o := seeded(t, 10)
	ctx := context.Background()
	_, _ = s.MarkPaid(ctx, o.ID, "tx")

	_, err := s.Cancel(ctx, o.ID)

	assert.ErrorIs(t, err, orders.ErrIllegalTransition)
}

func TestDecrementFloorsAtZeroAndIsIdempotent(t *testing.T) {
	s, o := seeded(t, 1)
	ctx := context.Background()

	rep, err := s.DecrementForOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, rep.Oversold())
	assert.Equal(t, orders.ShortfallDetail{VariantID: "v-tee-m", Requested: 2, Applied: 1, Shortfall: 1}, rep.Shortfalls[0])

	again, err := s.DecrementForOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyApplied)

	n, err := s.Available(ctx, "v-tee-m")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAttachKeepsFirstRequest(t *testing.T) {
	s, o := seeded(t, 10)
	ctx := context.Background()

	first, err := s.AttachPaymentRequest(ctx, o.ID, orders.PaymentRequest{Encoded: "ln-a", Ref: "a"})
	require.NoError(t, err)
	second, err := s.AttachPaymentRequest(ctx, o.ID, orders.PaymentRequest{Encoded: "ln-b", Ref: "b"})
	require.NoError(t, err)

	assert.Equal(t, "a", first.RequestRef)
	assert.Equal(t, "a", second.RequestRef)
	assert.Equal(t, "ln-a", second.PaymentRequest)
}

func TestCreateOrderExternalIDIsIdempotent(t *testing.T) {
	s := New()
	in := orders.NewOrder{
		ExternalID: "key-1",
		Lines:      []orders.OrderLine{{ProductID: "p", Quantity: 1, UnitPriceSats: 10}},
		TotalSats:  10,
	}

	a, existedA, err := s.CreateOrder(context.Background(), in)
	require.NoError(t, err)
	b, existedB, err := s.CreateOrder(context.Background(), in)
	require.NoError(t, err)

	assert.False(t, existedA)
	assert.True(t, existedB)
	assert.Equal(t, a.ID, b.ID)
}

func TestOrdersMissingMovements(t *testing.T) {
	s, o := seeded(t, 10)
	ctx := context.Background()
	_, _ = s.MarkPaid(ctx, o.ID, "tx")

	ids, err := s.OrdersMissingMovements(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{o.ID}, ids)

	_, err = s.DecrementForOrder(ctx, o.ID)
	require.NoError(t, err)
	ids, err = s.OrdersMissingMovements(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestProductsByRefAttachesVariants(t *testing.T) {
	s, _ := seeded(t, 3)

	got, err := s.ProductsByRef(context.Background(), []string{"classic-tee", "p-tee", "missing"})

	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Variants, 1)
	assert.Equal(t, "p-tee", got[0].Variants[0].ProductID)
}
