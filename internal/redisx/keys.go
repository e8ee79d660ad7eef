package redisx

import "time"

const (
	// Dedup of consumed events: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Cart snapshots use rental.StorageKey: {prefix}_{mode}_{context_id}
)

var (
	TTLDedup = 48 * time.Hour
)
