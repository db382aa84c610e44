package gwserver

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/langdb/gateway/gwconfig"
)

// RateLimiter bounds the request rate admitted per provider, enforcing the
// fixed requests-per-second/burst pair gwconfig.RateLimit models. See
// AdaptiveRateLimiter for the TPM-adaptive variant.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	configs  map[string]gwconfig.RateLimit
	fallback *rate.Limiter
}

// NewRateLimiter builds a RateLimiter from a provider-name-keyed
// configuration map. A provider with no configured entry is unthrottled.
func NewRateLimiter(limits map[string]gwconfig.RateLimit) *RateLimiter {
	cfgs := make(map[string]gwconfig.RateLimit, len(limits))
	for provider, rl := range limits {
		cfgs[strings.ToLower(provider)] = rl
	}
	return &RateLimiter{limiters: make(map[string]*rate.Limiter), configs: cfgs}
}

// Allow blocks until provider has capacity for one request, or ctx is
// canceled. A provider with no configured rate limit always proceeds
// immediately.
func (l *RateLimiter) Allow(ctx context.Context, provider string) error {
	lim := l.limiterFor(provider)
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

func (l *RateLimiter) limiterFor(provider string) *rate.Limiter {
	key := strings.ToLower(provider)

	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[key]; ok {
		return lim
	}

	cfg, ok := l.configs[key]
	if !ok || cfg.RequestsPerSecond <= 0 {
		l.limiters[key] = nil
		return nil
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	l.limiters[key] = lim
	return lim
}
