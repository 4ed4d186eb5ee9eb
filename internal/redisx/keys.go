package redisx

import "time"

const (
	// idem:order:create:{idempotency_key} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s"

	// order_paid:{order_id} -> settlement ref; present once the order is settled
	KeyOrderPaid = "order_paid:%s"

	// dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// list of oversold reports awaiting manual fulfillment review
	KeyOversoldReview = "review:oversold"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLPaidCache   = 24 * time.Hour
	TTLDedup       = 48 * time.Hour
)

const reviewQueueCap = 10000
