package capability

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ruteri/aura/interfaces"
	"golang.org/x/time/rate"
)

// TimeWindow bounds when a permission may be exercised. Zero bounds are open.
type TimeWindow struct {
	Permission string
	NotBefore  uint64
	NotAfter   uint64
}

// RateLimit caps how often one subject may exercise a permission.
type RateLimit struct {
	Permission string
	PerSecond  float64
	Burst      int
}

// LocalChecks are device-local restrictions applied after delegation: time
// windows, rate limits, and an allow-list of contexts per permission.
type LocalChecks struct {
	TimeWindows     []TimeWindow
	RateLimits      []RateLimit
	AllowedContexts map[string][]interfaces.ContextID

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Check applies every local check for perm. It returns the name of the first
// failing check, or the empty string.
func (c *LocalChecks) Check(subject Subject, perm string, ctx interfaces.ContextID, nowMs uint64) string {
	if c == nil {
		return ""
	}
	for _, w := range c.TimeWindows {
		if w.Permission != perm {
			continue
		}
		if (w.NotBefore != 0 && nowMs < w.NotBefore) || (w.NotAfter != 0 && nowMs > w.NotAfter) {
			return fmt.Sprintf("time window [%d,%d]", w.NotBefore, w.NotAfter)
		}
	}
	if allowed, ok := c.AllowedContexts[perm]; ok && !slices.Contains(allowed, ctx) {
		return "context " + ctx.String() + " not allowed"
	}
	for _, rl := range c.RateLimits {
		if rl.Permission != perm {
			continue
		}
		if !c.limiter(subject, rl).AllowN(time.UnixMilli(int64(nowMs)), 1) {
			return fmt.Sprintf("rate limit %.2f/s", rl.PerSecond)
		}
	}
	return ""
}

func (c *LocalChecks) limiter(subject Subject, rl RateLimit) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limiters == nil {
		c.limiters = map[string]*rate.Limiter{}
	}
	key := subject.Key() + "|" + rl.Permission
	l, ok := c.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rl.PerSecond), rl.Burst)
		c.limiters[key] = l
	}
	return l
}
