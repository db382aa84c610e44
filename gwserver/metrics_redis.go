package gwserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/langdb/gateway/gwmodel"
)

// RedisMetricsStore is a cluster-shared alternative to MetricsStore: it
// persists per-provider/per-model invocation samples in Redis sorted sets
// (score = unix-nano timestamp) so every gateway replica reads and
// contributes to the same rolling-metrics view the optimized routing
// strategy consults, generalizing MetricsStore's single-process mutex to a
// Redis-coordinated view across a fleet.
type RedisMetricsStore struct {
	client *redis.Client
	// Prefix namespaces every key this store writes, so one Redis instance
	// can be shared with unrelated gateway deployments.
	Prefix string
}

// NewRedisMetricsStore builds a RedisMetricsStore from addr, password and
// db. An empty addr means Redis is not configured; callers should fall back to
// NewMetricsStore in that case.
func NewRedisMetricsStore(addr, password string, db int) *RedisMetricsStore {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisMetricsStore{client: client, Prefix: "langdb:metrics:"}
}

func (s *RedisMetricsStore) key(provider, model string) string {
	return s.Prefix + metricsKey(provider, model)
}

// Record appends one invocation sample for provider/model and trims samples
// older than the longest rollup window (1 hour), mirroring MetricsStore.Record.
func (s *RedisMetricsStore) Record(provider, model string, sample Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := json.Marshal(sample)
	if err != nil {
		return
	}
	key := s.key(provider, model)
	score := float64(sample.At.UnixNano())

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: data})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", sample.At.Add(-time.Hour).UnixNano()))
	pipe.Expire(ctx, key, 2*time.Hour)
	_, _ = pipe.Exec(ctx)
}

// Lookup implements router.MetricsSource by reading every sample recorded
// for provider/model in the last hour and computing the triple-window
// rollup over them in process, the same aggregation MetricsStore.Lookup
// performs over its in-memory slice.
func (s *RedisMetricsStore) Lookup(provider, model string) (*gwmodel.MetricsRecord, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := s.client.ZRange(ctx, s.key(provider, model), 0, -1).Result()
	if err != nil || len(raw) == 0 {
		return nil, false
	}

	samples := make([]Sample, 0, len(raw))
	for _, r := range raw {
		var sample Sample
		if json.Unmarshal([]byte(r), &sample) == nil {
			samples = append(samples, sample)
		}
	}
	if len(samples) == 0 {
		return nil, false
	}

	now := samples[len(samples)-1].At
	rec := &gwmodel.MetricsRecord{Provider: provider, Model: model}
	rec.Total = rollup(samples, now.Add(-365*24*time.Hour))
	rec.LastHour = rollup(samples, now.Add(-time.Hour))
	rec.Last15Min = rollup(samples, now.Add(-15*time.Minute))
	return rec, true
}

// Providers implements router.MetricsSource by scanning this store's key
// namespace for every distinct provider prefix recorded so far.
func (s *RedisMetricsStore) Providers() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	keys, err := s.client.Keys(ctx, s.Prefix+"*").Result()
	if err != nil {
		return nil
	}
	seen := map[string]struct{}{}
	for _, k := range keys {
		rest := k[len(s.Prefix):]
		for i := 0; i < len(rest); i++ {
			if rest[i] == '/' {
				seen[rest[:i]] = struct{}{}
				break
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

// Close releases the underlying Redis connection pool.
func (s *RedisMetricsStore) Close() error {
	return s.client.Close()
}
