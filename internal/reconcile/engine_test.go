package reconcile

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/sats-orders/internal/catalog"
	"github.com/ariefcatur/sats-orders/internal/gateway"
	"github.com/ariefcatur/sats-orders/internal/memstore"
	"github.com/ariefcatur/sats-orders/internal/metrics"
	"github.com/ariefcatur/sats-orders/internal/orders"
	"github.com/ariefcatur/sats-orders/internal/redisx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic string
	env   orders.Envelope
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) PublishJSON(_ context.Context, topic string, _ []byte, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic: topic, env: v.(orders.Envelope)})
	return nil
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

type countingLedger struct {
	*memstore.Store
	creates atomic.Int64
}

func (c *countingLedger) CreateOrder(ctx context.Context, in orders.NewOrder) (orders.Order, bool, error) {
	c.creates.Add(1)
	return c.Store.CreateOrder(ctx, in)
}

type fixture struct {
	engine  *Engine
	store   *memstore.Store
	ledger  *countingLedger
	gw      *gateway.Fake
	pub     *recordingPublisher
	metrics *metrics.Reconcile
}

func newFixture(t *testing.T, teeStock, stickerStock int64) *fixture {
	t.Helper()
	store := memstore.New()
	store.AddProduct(catalog.Product{
		ID: "p-tee", Slug: "classic-tee", Name: "Classic Tee", PriceSats: 25000, Active: true,
		Variants: []catalog.Variant{
			{ID: "v-tee-m", Label: "M", Available: teeStock, Active: true},
			{ID: "v-tee-l", Label: "L", Available: teeStock, Active: true},
		},
	})
	store.AddProduct(catalog.Product{
		ID: "p-sticker", Slug: "sticker-pack", Name: "Sticker Pack", PriceSats: 5000, Active: true,
		Variants: []catalog.Variant{{ID: "v-sticker", Label: "standard", Available: stickerStock, Active: true}},
	})

	f := &fixture{
		store:   store,
		ledger:  &countingLedger{Store: store},
		gw:      gateway.NewFake(),
		pub:     &recordingPublisher{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	e, err := New(Deps{
		Orders:    f.ledger,
		Inventory: store,
		Resolver:  catalog.NewResolver(store),
		Gateway:   f.gw,
		Publisher: f.pub,
		Metrics:   f.metrics,
	})
	require.NoError(t, err)
	f.engine = e
	return f
}

func scenarioItems() []catalog.LineRequest {
	return []catalog.LineRequest{
		{ProductID: "classic-tee", VariantID: "v-tee-m", Quantity: 2},
		{ProductID: "sticker-pack", Quantity: 1},
	}
}

func (f *fixture) stock(t *testing.T, variantID string) int64 {
	t.Helper()
	n, err := f.store.Available(context.Background(), variantID)
	require.NoError(t, err)
	return n
}

func (f *fixture) requestRef(t *testing.T, orderID string) string {
	t.Helper()
	o, err := f.store.Get(context.Background(), orderID)
	require.NoError(t, err)
	require.NotEmpty(t, o.RequestRef)
	return o.RequestRef
}

func TestCreateAndVerifySettledOrder(t *testing.T) {
	// Arrange
	f := newFixture(t, 10, 5)
	ctx := context.Background()

	// Act
	res, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	ref := f.requestRef(t, res.OrderID)
	first, err := f.engine.Verify(ctx, res.OrderID)
	require.NoError(t, err)
	f.gw.Settle(ref)
	second, err := f.engine.Verify(ctx, res.OrderID)
	require.NoError(t, err)
	third, err := f.engine.Verify(ctx, res.OrderID)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, int64(55000), res.TotalSats)
	assert.NotEmpty(t, res.EncodedPaymentRequest)
	assert.Equal(t, int64(55000), f.gw.Amount(ref))
	assert.Contains(t, f.gw.Memo(ref), res.OrderID)

	assert.Equal(t, ResultPending, first)
	assert.Equal(t, ResultPaid, second)
	assert.Equal(t, ResultPaid, third)

	o, err := f.store.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, o.Status)
	assert.Equal(t, "settle-"+ref, o.SettlementRef)
	assert.Equal(t, int64(8), f.stock(t, "v-tee-m"))
	assert.Equal(t, int64(4), f.stock(t, "v-sticker"))
	assert.Equal(t, int64(10), f.stock(t, "v-tee-l"))

	assert.Equal(t, 1, f.pub.count(orders.TopicOrderCreated))
	assert.Equal(t, 1, f.pub.count(orders.TopicPaymentRequested))
	assert.Equal(t, 1, f.pub.count(orders.TopicOrderPaid))
	assert.Equal(t, 0, f.pub.count(orders.TopicInventoryOversold))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.OrdersCreated))
}

func TestConcurrentVerifyDecrementsOnce(t *testing.T) {
	f := newFixture(t, 10, 5)
	ctx := context.Background()
	res, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	f.gw.Settle(f.requestRef(t, res.OrderID))

	var wg sync.WaitGroup
	var paid atomic.Int64
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.engine.Verify(ctx, res.OrderID)
			if assert.NoError(t, err) && r == ResultPaid {
				paid.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1000, paid.Load())
	assert.Equal(t, int64(8), f.stock(t, "v-tee-m"))
	assert.Equal(t, int64(4), f.stock(t, "v-sticker"))
	assert.Equal(t, 1, f.pub.count(orders.TopicOrderPaid))
}

// Two engines share one ledger but not the in-process singleflight, the way
// two api replicas would.
func TestVerifyAcrossEnginesDecrementsOnce(t *testing.T) {
	f := newFixture(t, 10, 5)
	ctx := context.Background()
	other, err := New(Deps{Orders: f.store, Inventory: f.store, Resolver: catalog.NewResolver(f.store), Gateway: f.gw})
	require.NoError(t, err)
	res, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	f.gw.Settle(f.requestRef(t, res.OrderID))

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = f.engine.Verify(ctx, res.OrderID) }()
		go func() { defer wg.Done(); _, _ = other.Verify(ctx, res.OrderID) }()
	}
	wg.Wait()

	assert.Equal(t, int64(8), f.stock(t, "v-tee-m"))
	assert.Equal(t, int64(4), f.stock(t, "v-sticker"))
}

func TestVerifyStaysPendingUntilCompletion(t *testing.T) {
	f := newFixture(t, 10, 5)
	ctx := context.Background()
	res, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	ref := f.requestRef(t, res.OrderID)

	for _, raw := range []string{"awaiting_payment", "in_flight", "failed", "expired", "awaiting_payment"} {
		f.gw.SetStatus(ref, raw)
		r, err := f.engine.Verify(ctx, res.OrderID)
		require.NoError(t, err)
		assert.Equal(t, ResultPending, r, raw)
	}

	o, err := f.store.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, int64(10), f.stock(t, "v-tee-m"))
	assert.Equal(t, int64(5), f.stock(t, "v-sticker"))
}

func TestTransferCompletedCountsAsSettled(t *testing.T) {
	f := newFixture(t, 10, 5)
	ctx := context.Background()
	res, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	f.gw.SetStatus(f.requestRef(t, res.OrderID), "transfer_completed")

	r, err := f.engine.Verify(ctx, res.OrderID)

	require.NoError(t, err)
	assert.Equal(t, ResultPaid, r)
}

func TestGatewayFailureLeavesOrderRetryable(t *testing.T) {
	// Arrange
	f := newFixture(t, 10, 5)
	ctx := context.Background()
	f.gw.SetFailing(true)

	// Act
	res, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})

	// Assert
	require.ErrorIs(t, err, gateway.ErrUnavailable)
	require.NotEmpty(t, res.OrderID)
	o, err := f.store.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.False(t, o.HasPaymentRequest())

	r, err := f.engine.Verify(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, r)

	f.gw.SetFailing(false)
	retry, err := f.engine.IssuePaymentRequest(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, retry.OrderID)
	assert.NotEmpty(t, retry.EncodedPaymentRequest)

	again, err := f.engine.IssuePaymentRequest(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, retry.EncodedPaymentRequest, again.EncodedPaymentRequest)
	assert.EqualValues(t, 1, f.ledger.creates.Load())
}

func TestVerifyGatewayOutageIsTransient(t *testing.T) {
	f := newFixture(t, 10, 5)
	ctx := context.Background()
	res, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	f.gw.SetFailing(true)

	_, err = f.engine.Verify(ctx, res.OrderID)

	assert.ErrorIs(t, err, gateway.ErrUnavailable)
	o, _ := f.store.Get(ctx, res.OrderID)
	assert.Equal(t, orders.StatusPending, o.Status)
}

func TestCreateRejectsEmptyOrderWithoutPersisting(t *testing.T) {
	f := newFixture(t, 10, 5)

	_, err := f.engine.Create(context.Background(), CreateInput{})

	assert.ErrorIs(t, err, orders.ErrEmptyOrder)
	assert.Zero(t, f.ledger.creates.Load())
}

func TestCreateRejectsInvalidItems(t *testing.T) {
	cases := []struct {
		name string
		item catalog.LineRequest
		want error
	}{
		{"unknown product", catalog.LineRequest{ProductID: "ghost", Quantity: 1}, catalog.ErrUnknownProduct},
		{"zero quantity", catalog.LineRequest{ProductID: "classic-tee", VariantID: "v-tee-m"}, catalog.ErrInvalidQuantity},
		{"unknown variant", catalog.LineRequest{ProductID: "classic-tee", VariantID: "v-nope", Quantity: 1}, catalog.ErrUnknownVariant},
		{"missing variant on sized product", catalog.LineRequest{ProductID: "classic-tee", Quantity: 1}, catalog.ErrUnknownVariant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 10, 5)

			_, err := f.engine.Create(context.Background(), CreateInput{Items: []catalog.LineRequest{tc.item}})

			assert.ErrorIs(t, err, tc.want)
			assert.Zero(t, f.ledger.creates.Load())
		})
	}
}

func TestOversoldOrderStaysPaidAndIsFlagged(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()
	res, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	f.gw.Settle(f.requestRef(t, res.OrderID))

	r, err := f.engine.Verify(ctx, res.OrderID)

	require.NoError(t, err)
	assert.Equal(t, ResultPaid, r)
	o, err := f.store.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, o.Status)
	assert.True(t, o.Oversold)
	assert.Zero(t, f.stock(t, "v-tee-m"))
	assert.Zero(t, f.stock(t, "v-sticker"))
	assert.Equal(t, 1, f.pub.count(orders.TopicInventoryOversold))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Oversold))
}

func TestIdempotencyKeyReturnsSameOrder(t *testing.T) {
	f := newFixture(t, 10, 5)
	ctx := context.Background()
	in := CreateInput{Items: scenarioItems(), IdempotencyKey: "checkout-42"}

	a, err := f.engine.Create(ctx, in)
	require.NoError(t, err)
	b, err := f.engine.Create(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, a.OrderID, b.OrderID)
	assert.Equal(t, a.EncodedPaymentRequest, b.EncodedPaymentRequest)
	assert.Equal(t, 1, f.pub.count(orders.TopicOrderCreated))
}

func TestIdempotencyKeyFastPathUsesCache(t *testing.T) {
	f := newFixture(t, 10, 5)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f.engine.idem = redisx.NewIdempotency(rdb)
	ctx := context.Background()
	in := CreateInput{Items: scenarioItems(), IdempotencyKey: "checkout-7"}

	a, err := f.engine.Create(ctx, in)
	require.NoError(t, err)
	b, err := f.engine.Create(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, a.OrderID, b.OrderID)
	assert.EqualValues(t, 1, f.ledger.creates.Load())
}

func TestVerifyUnknownOrder(t *testing.T) {
	f := newFixture(t, 10, 5)

	_, err := f.engine.Verify(context.Background(), "missing")

	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func TestVerifyCancelledOrder(t *testing.T) {
	f := newFixture(t, 10, 5)
	ctx := context.Background()
	res, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	ok, err := f.engine.Cancel(ctx, res.OrderID, "customer")
	require.NoError(t, err)
	require.True(t, ok)
	f.gw.Settle(f.requestRef(t, res.OrderID))

	_, err = f.engine.Verify(ctx, res.OrderID)

	assert.ErrorIs(t, err, orders.ErrNotPending)
	assert.Equal(t, int64(10), f.stock(t, "v-tee-m"))
	_, err = f.engine.IssuePaymentRequest(ctx, res.OrderID)
	assert.ErrorIs(t, err, orders.ErrNotPending)
}

func TestCancelPaidOrderIsIllegal(t *testing.T) {
	f := newFixture(t, 10, 5)
	ctx := context.Background()
	res, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	f.gw.Settle(f.requestRef(t, res.OrderID))
	_, err = f.engine.Verify(ctx, res.OrderID)
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, res.OrderID, "customer")
	assert.ErrorIs(t, err, orders.ErrIllegalTransition)

	ok, err := f.engine.Fulfill(ctx, res.OrderID)
	require.NoError(t, err)
	assert.True(t, ok)
	r, err := f.engine.Verify(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, ResultPaid, r)
	assert.Equal(t, 1, f.pub.count(orders.TopicOrderFulfilled))
}

func TestPaidCacheShortCircuitsVerify(t *testing.T) {
	f := newFixture(t, 10, 5)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f.engine.cache = redisx.NewStatusCache(rdb)
	ctx := context.Background()
	res, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	f.gw.Settle(f.requestRef(t, res.OrderID))

	_, err = f.engine.Verify(ctx, res.OrderID)
	require.NoError(t, err)
	calls := f.gw.StatusCalls.Load()
	r, err := f.engine.Verify(ctx, res.OrderID)

	require.NoError(t, err)
	assert.Equal(t, ResultPaid, r)
	assert.Equal(t, calls, f.gw.StatusCalls.Load())
	assert.True(t, mr.Exists("order_paid:"+res.OrderID))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Verify.WithLabelValues("cached")))
}

func TestSweepVerifiesAndAbandons(t *testing.T) {
	// Arrange
	f := newFixture(t, 10, 5)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return now }

	f.store.SetClock(func() time.Time { return now.Add(-2 * time.Hour) })
	stale, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	staleButPaid, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	f.gw.Settle(f.requestRef(t, staleButPaid.OrderID))

	f.store.SetClock(func() time.Time { return now.Add(-time.Minute) })
	fresh, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)

	// Act
	stats, err := f.engine.Sweep(ctx, SweepPolicy{MaxAge: time.Hour, Limit: 10, Concurrency: 2})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Checked: 3, Paid: 1, Pending: 1, Abandoned: 1}, stats)
	for id, want := range map[string]orders.Status{
		stale.OrderID:        orders.StatusCancelled,
		staleButPaid.OrderID: orders.StatusPaid,
		fresh.OrderID:        orders.StatusPending,
	} {
		o, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, o.Status, id)
	}
	assert.Equal(t, int64(8), f.stock(t, "v-tee-m"))
}

func TestSweepAbandonsStaleOrdersTheNetworkCannotAnswer(t *testing.T) {
	// Arrange
	f := newFixture(t, 10, 5)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return now }

	f.store.SetClock(func() time.Time { return now.Add(-3 * time.Hour) })
	purged, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	f.gw.Forget(f.requestRef(t, purged.OrderID))

	f.store.SetClock(func() time.Time { return now.Add(-2 * time.Hour) })
	f.gw.SetFailing(true)
	orphan, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.ErrorIs(t, err, gateway.ErrUnavailable)
	f.gw.SetFailing(false)

	f.store.SetClock(func() time.Time { return now.Add(-time.Minute) })
	settled, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	f.gw.Settle(f.requestRef(t, settled.OrderID))

	_, err = f.engine.Verify(ctx, purged.OrderID)
	require.ErrorIs(t, err, gateway.ErrUnknownRequest)

	// Act: one order per sweep, oldest first
	policy := SweepPolicy{MaxAge: time.Hour, Limit: 1}
	var got []SweepStats
	for i := 0; i < 3; i++ {
		stats, err := f.engine.Sweep(ctx, policy)
		require.NoError(t, err)
		got = append(got, stats)
	}

	// Assert
	assert.Equal(t, []SweepStats{
		{Checked: 1, Abandoned: 1},
		{Checked: 1, Abandoned: 1},
		{Checked: 1, Paid: 1},
	}, got)
	for id, want := range map[string]orders.Status{
		purged.OrderID:  orders.StatusCancelled,
		orphan.OrderID:  orders.StatusCancelled,
		settled.OrderID: orders.StatusPaid,
	} {
		o, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, o.Status, id)
	}
	assert.Equal(t, int64(8), f.stock(t, "v-tee-m"))
}

func TestRepairMissingDecrements(t *testing.T) {
	f := newFixture(t, 10, 5)
	ctx := context.Background()
	res, err := f.engine.Create(ctx, CreateInput{Items: scenarioItems()})
	require.NoError(t, err)
	// paid transition committed but the process died before the decrement
	ok, err := f.store.MarkPaid(ctx, res.OrderID, "tx")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := f.engine.RepairMissingDecrements(ctx, 10)
	require.NoError(t, err)
	again, err := f.engine.RepairMissingDecrements(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Zero(t, again)
	assert.Equal(t, int64(8), f.stock(t, "v-tee-m"))
	assert.Equal(t, int64(4), f.stock(t, "v-sticker"))
}

func TestNewRequiresCoreDependencies(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "reconcile:"))
}
