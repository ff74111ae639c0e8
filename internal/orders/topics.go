package orders

const (
	TopicOrderCreated     = "order.created"
	TopicPaymentConfirmed = "order.payment.confirmed"
	TopicOrderCancelled   = "order.cancelled"

	TopicStockReserved  = "order.stock.reserved"
	TopicStockRejected  = "order.stock.rejected"
	TopicOrderFulfilled = "order.fulfilled"
	TopicStockReleased  = "order.stock.released"
)

// PartitionKey keeps every event of one order on one partition, in order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
