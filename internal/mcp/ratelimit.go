package mcp

import (
	"math"

	"golang.org/x/time/rate"
)

// newCallLimiter returns a token bucket allowing perSecond calls with a burst
// of ceil(perSecond). It returns nil when limiting is disabled.
func newCallLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(math.Ceil(perSecond))
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
