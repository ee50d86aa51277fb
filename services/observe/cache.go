package observe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/instantcocoa/dorastudio/pkg/cache"
)

// DefaultCacheTTL is how long query results stay cached.
const DefaultCacheTTL = 15 * time.Second

// CachedBackend memoizes query results in a cache.Store. Health checks and
// failed queries are never cached.
type CachedBackend struct {
	next     Backend
	traces   *cache.CacheAside[[]Span]
	logs     *cache.CacheAside[[]LogRecord]
	metrics  *cache.CacheAside[[]MetricPoint]
	services *cache.CacheAside[[]ServiceInfo]
}

// NewCachedBackend wraps next with a cache over store.
func NewCachedBackend(next Backend, store cache.Store, ttl time.Duration) *CachedBackend {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	prefix := func(kind RequestKind) func(string) string {
		return func(k string) string { return "observe:" + next.Name() + ":" + string(kind) + ":" + k }
	}
	return &CachedBackend{
		next:     next,
		traces:   cache.NewCacheAside[[]Span](store, ttl).WithKeyFunc(prefix(KindTraces)),
		logs:     cache.NewCacheAside[[]LogRecord](store, ttl).WithKeyFunc(prefix(KindLogs)),
		metrics:  cache.NewCacheAside[[]MetricPoint](store, ttl).WithKeyFunc(prefix(KindMetrics)),
		services: cache.NewCacheAside[[]ServiceInfo](store, ttl).WithKeyFunc(prefix(KindServices)),
	}
}

func (c *CachedBackend) Name() string { return c.next.Name() }

func (c *CachedBackend) QueryTraces(ctx context.Context, q TraceQuery) ([]Span, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return c.traces.Get(ctx, queryKey(q), func(ctx context.Context) ([]Span, error) {
		return c.next.QueryTraces(ctx, q)
	})
}

func (c *CachedBackend) QueryLogs(ctx context.Context, q LogQuery) ([]LogRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return c.logs.Get(ctx, queryKey(q), func(ctx context.Context) ([]LogRecord, error) {
		return c.next.QueryLogs(ctx, q)
	})
}

func (c *CachedBackend) QueryMetrics(ctx context.Context, q MetricQuery) ([]MetricPoint, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return c.metrics.Get(ctx, queryKey(q), func(ctx context.Context) ([]MetricPoint, error) {
		return c.next.QueryMetrics(ctx, q)
	})
}

func (c *CachedBackend) ListServices(ctx context.Context) ([]ServiceInfo, error) {
	return c.services.Get(ctx, "all", c.next.ListServices)
}

func (c *CachedBackend) HealthCheck(ctx context.Context) error {
	return c.next.HealthCheck(ctx)
}

// queryKey hashes the JSON form of q. Unmarshalable queries get a key that
// never repeats, which disables caching for them.
func queryKey(q interface{}) string {
	b, err := json.Marshal(q)
	if err != nil {
		return "nocache:" + time.Now().Format(time.RFC3339Nano)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}
