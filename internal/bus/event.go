package bus

import "time"

// Event kinds published by the sync engine and the daemon.
const (
	KindPhaseChanged   = "sync.phase_changed"
	KindBatchCommitted = "sync.batch_committed"
	KindRateLimited    = "sync.rate_limited"
	KindConfigReloaded = "config.reloaded"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
