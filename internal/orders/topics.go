package orders

const (
	TopicOrderCreated      = "order.created"
	TopicPaymentRequested  = "order.payment.requested"
	TopicOrderPaid         = "order.paid"
	TopicOrderFulfilled    = "order.fulfilled"
	TopicOrderCancelled    = "order.cancelled"
	TopicInventoryOversold = "inventory.oversold"
)

// Partition key = order_id so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
