// Package cache provides the Redis-backed response cache for telemetry queries.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration.
type Config struct {
	// URL, when set, takes precedence over Addr, Password and DB.
	URL string

	Addr     string
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults for Redis configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// options converts the config into go-redis options.
func (c *Config) options() (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	}
	if c.URL != "" {
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	}
	opts.PoolSize = c.PoolSize
	opts.MinIdleConns = c.MinIdleConns
	opts.MaxRetries = c.MaxRetries
	opts.ReadTimeout = c.ReadTimeout
	opts.WriteTimeout = c.WriteTimeout
	return opts, nil
}

// Store is the minimal key-value surface CacheAside needs.
type Store interface {
	// Get returns "" and no error on a miss.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Client wraps redis.Client with additional functionality.
type Client struct {
	*redis.Client
	logger    *slog.Logger
	keyPrefix string
}

// Connect creates a new Redis connection.
func Connect(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	// Verify connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{
		Client: client,
		logger: slog.Default(),
	}, nil
}

// WithLogger sets the logger for the client.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// WithKeyPrefix sets a prefix for all keys.
func (c *Client) WithKeyPrefix(prefix string) *Client {
	c.keyPrefix = prefix
	return c
}

func (c *Client) prefixedKey(key string) string {
	if c.keyPrefix == "" {
		return key
	}
	return c.keyPrefix + ":" + key
}

// Get retrieves a value from the cache.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	result, err := c.Client.Get(ctx, c.prefixedKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return result, err
}

// Set stores a value in the cache with an expiration.
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, c.prefixedKey(key), data, expiration).Err()
}

// Delete removes keys from the cache.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	prefixedKeys := make([]string, len(keys))
	for i, k := range keys {
		prefixedKeys[i] = c.prefixedKey(k)
	}
	return c.Client.Del(ctx, prefixedKeys...).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.Client.Close()
}

func encode(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal value: %w", err)
		}
		return string(b), nil
	}
}

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return "", nil
	}
	return e.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	e := memoryEntry{value: data}
	if expiration > 0 {
		e.expires = m.now().Add(expiration)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// CacheAside implements the cache-aside pattern.
type CacheAside[T any] struct {
	store      Store
	defaultTTL time.Duration
	keyFunc    func(key string) string
}

// NewCacheAside creates a new cache-aside helper.
func NewCacheAside[T any](store Store, ttl time.Duration) *CacheAside[T] {
	return &CacheAside[T]{
		store:      store,
		defaultTTL: ttl,
		keyFunc:    func(k string) string { return k },
	}
}

// WithKeyFunc sets a custom key transformation function.
func (ca *CacheAside[T]) WithKeyFunc(fn func(string) string) *CacheAside[T] {
	ca.keyFunc = fn
	return ca
}

// Get retrieves a value from cache, or calls the loader function if not found.
// Loader errors are never cached.
func (ca *CacheAside[T]) Get(ctx context.Context, key string, loader func(ctx context.Context) (T, error)) (T, error) {
	cacheKey := ca.keyFunc(key)

	var result T
	data, err := ca.store.Get(ctx, cacheKey)
	if err != nil {
		return result, fmt.Errorf("cache get error: %w", err)
	}

	if data != "" {
		if err := json.Unmarshal([]byte(data), &result); err == nil {
			return result, nil
		}
	}

	result, err = loader(ctx)
	if err != nil {
		return result, err
	}

	// Store in cache (ignore errors)
	_ = ca.store.Set(ctx, cacheKey, result, ca.defaultTTL)

	return result, nil
}

// Invalidate removes a key from the cache.
func (ca *CacheAside[T]) Invalidate(ctx context.Context, key string) error {
	return ca.store.Delete(ctx, ca.keyFunc(key))
}
