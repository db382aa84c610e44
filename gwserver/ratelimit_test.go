package gwserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/langdb/gateway/gwconfig"
)

func TestRateLimiterUnconfiguredProviderNeverBlocks(t *testing.T) {
	l := NewRateLimiter(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Allow(ctx, "openai"))
}

func TestRateLimiterEnforcesBurstThenWaits(t *testing.T) {
	l := NewRateLimiter(map[string]gwconfig.RateLimit{
		"openai": {RequestsPerSecond: 1, Burst: 1},
	})

	ctx := context.Background()
	require.NoError(t, l.Allow(ctx, "openai"))

	start := time.Now()
	require.NoError(t, l.Allow(ctx, "openai"))
	require.Greater(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiterIsCaseInsensitiveOnProviderName(t *testing.T) {
	l := NewRateLimiter(map[string]gwconfig.RateLimit{
		"openai": {RequestsPerSecond: 1000, Burst: 5},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, l.Allow(ctx, "OpenAI"))
}
