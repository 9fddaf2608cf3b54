package chat

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimit defines how many inbound messages a connection may send per
// refill interval before further messages are discarded.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

func newRateLimiter(cfg RateLimit) *rate.Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Limit(float64(burst)/interval.Seconds()), burst)
}
