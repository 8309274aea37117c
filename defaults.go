package modsync

import "time"

const (
	defaultTTL             = 24 * time.Hour
	defaultRequestTimeout  = 30 * time.Second
	defaultPutAttempts     = 3
	defaultPutRetryBackoff = 50 * time.Millisecond
	defaultDrainInterval   = 30 * time.Second
	defaultDrainBatch      = 10
	defaultParallelism     = 1
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
