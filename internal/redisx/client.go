package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb redis.Cmdable, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// StatusCache remembers settled orders so repeated verification skips the
// payment network. A miss is never authoritative: the ledger is.
type StatusCache struct{ rdb redis.Cmdable }

func NewStatusCache(rdb redis.Cmdable) *StatusCache { return &StatusCache{rdb: rdb} }

func (c *StatusCache) MarkPaid(ctx context.Context, orderID, settlementRef string) error {
	return c.rdb.Set(ctx, fmt.Sprintf(KeyOrderPaid, orderID), settlementRef, TTLPaidCache).Err()
}

func (c *StatusCache) IsPaid(ctx context.Context, orderID string) (bool, error) {
	return Exists(ctx, c.rdb, fmt.Sprintf(KeyOrderPaid, orderID))
}

// Idempotency maps client idempotency keys to the order they created.
type Idempotency struct{ rdb redis.Cmdable }

func NewIdempotency(rdb redis.Cmdable) *Idempotency { return &Idempotency{rdb: rdb} }

func (i *Idempotency) Lookup(ctx context.Context, key string) (string, bool, error) {
	id, err := i.rdb.Get(ctx, fmt.Sprintf(KeyIdemOrderCreate, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Remember stores key -> orderID unless the key is already taken.
func (i *Idempotency) Remember(ctx context.Context, key, orderID string) error {
	return i.rdb.SetNX(ctx, fmt.Sprintf(KeyIdemOrderCreate, key), orderID, TTLIdempotency).Err()
}

// Dedup claims an event id for one consumer. The first claim wins.
type Dedup struct {
	rdb      redis.Cmdable
	consumer string
}

func NewDedup(rdb redis.Cmdable, consumer string) *Dedup {
	return &Dedup{rdb: rdb, consumer: consumer}
}

func (d *Dedup) Claim(ctx context.Context, eventID string) (bool, error) {
	return d.rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, d.consumer, eventID), 1, TTLDedup).Result()
}

// Release drops a claim so a failed event can be processed again.
func (d *Dedup) Release(ctx context.Context, eventID string) error {
	return d.rdb.Del(ctx, fmt.Sprintf(KeyDedup, d.consumer, eventID)).Err()
}

// ReviewQueue is a capped list of oversold reports, newest first.
type ReviewQueue struct{ rdb redis.Cmdable }

func NewReviewQueue(rdb redis.Cmdable) *ReviewQueue { return &ReviewQueue{rdb: rdb} }

func (q *ReviewQueue) Push(ctx context.Context, entry []byte) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, KeyOversoldReview, entry)
		p.LTrim(ctx, KeyOversoldReview, 0, reviewQueueCap-1)
		return nil
	})
	return err
}

func (q *ReviewQueue) List(ctx context.Context, n int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	return q.rdb.LRange(ctx, KeyOversoldReview, 0, n-1).Result()
}
