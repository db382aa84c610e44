package gwserver

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"
)

// AdaptiveRateLimiter is an AIMD-style token-bucket limiter: it tracks an
// effective tokens-per-minute budget that halves on a provider rate-limit
// signal and recovers gradually on success. When constructed with a Pulse
// replicated map it additionally coordinates that budget across every
// gateway process sharing the map's Redis backend, so one replica's
// backoff is observed by all of them.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64

	onBackoff func(newTPM float64)
	onProbe   func(newTPM float64)
}

// clusterMap is the subset of rmap.Map this limiter needs, narrowed so unit
// tests can substitute a fake.
type clusterMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Subscribe() <-chan rmap.EventKind
}

// NewClusterRateLimiter uses the already-joined Pulse replicated map m and
// coordinates the tokens-per-minute budget stored under key across every
// process that joins the same map. A nil m degrades to a process-local
// limiter.
func NewClusterRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = m
	}
	return newClusterRateLimiter(ctx, cm, key, initialTPM, maxTPM)
}

// NewRateLimiterTPM builds a process-local adaptive limiter with no cluster
// coordination.
func NewRateLimiterTPM(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	return newClusterRateLimiter(context.Background(), nil, "", initialTPM, maxTPM)
}

func newClusterRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	l := newAdaptiveRateLimiter(initialTPM, maxTPM)
	if key == "" || m == nil {
		return l
	}

	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(l.currentTPM))); err != nil {
			return l
		}
	}
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			l.replaceTPM(v)
		}
	}

	min, max, step := l.minTPM, l.maxTPM, l.recoveryRate
	l.onBackoff = func(float64) { go clusterAdjust(context.Background(), m, key, -1, min, max, step) }
	l.onProbe = func(float64) { go clusterAdjust(context.Background(), m, key, +1, min, max, step) }

	ch := m.Subscribe()
	go func() {
		for range ch {
			if cur, ok := m.Get(key); ok {
				if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
					l.replaceTPM(v)
				}
			}
		}
	}()

	return l
}

func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wait blocks until n estimated tokens are available, or ctx is canceled.
func (l *AdaptiveRateLimiter) Wait(ctx context.Context, tokens int) error {
	return l.limiter.WaitN(ctx, tokens)
}

// Observe reports the outcome of the call Wait admitted: rateLimited false
// probes the budget upward; rateLimited true halves it.
func (l *AdaptiveRateLimiter) Observe(rateLimited bool) {
	if rateLimited {
		l.backoff()
		return
	}
	l.probe()
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	next := l.currentTPM * 0.5
	if next < l.minTPM {
		next = l.minTPM
	}
	changed := next != l.currentTPM
	if changed {
		l.setTPMLocked(next)
	}
	cb := l.onBackoff
	l.mu.Unlock()
	if changed && cb != nil {
		cb(next)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	next := l.currentTPM + l.recoveryRate
	if next > l.maxTPM {
		next = l.maxTPM
	}
	changed := next != l.currentTPM
	if changed {
		l.setTPMLocked(next)
	}
	cb := l.onProbe
	l.mu.Unlock()
	if changed && cb != nil {
		cb(next)
	}
}

func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm != l.currentTPM {
		l.setTPMLocked(tpm)
	}
}

// setTPMLocked updates currentTPM and the underlying token bucket; callers
// must hold l.mu.
func (l *AdaptiveRateLimiter) setTPMLocked(tpm float64) {
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// clusterAdjust applies up to three compare-and-swap attempts against the
// shared budget stored at key, halving it (dir<0) or stepping it up by step
// (dir>0), clamped to [min,max]. Best-effort: a lost race or a Redis error
// simply leaves the shared value for the next local adjustment to retry.
func clusterAdjust(ctx context.Context, m clusterMap, key string, dir int, min, max, step float64) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}

		var next float64
		if dir < 0 {
			next = cur * 0.5
			if next < min {
				next = min
			}
		} else {
			next = cur + step
			if next > max {
				next = max
			}
		}
		if next == cur {
			return
		}

		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}
