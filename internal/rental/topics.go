package rental

const TopicBookingBatch = "rental.booking.batch"

// Partition key = cart storage key, so one cart's events stay ordered.
func PartitionKey(cartKey string) []byte { return []byte(cartKey) }
