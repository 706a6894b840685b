// Package cache backs the export path with a Redis store of rendered report
// bytes, keyed by a content hash of the report document.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/telemetry"
)

const (
	// DefaultTTL applies when the configuration leaves the TTL unset.
	DefaultTTL = 24 * time.Hour

	connectTimeout = 5 * time.Second
	cacheName      = "report"
)

// Config carries the Redis connection settings for the report cache.
type Config struct {
	RedisURL   string        `json:"redis_url"`
	TTL        time.Duration `json:"ttl"`
	PoolSize   int           `json:"pool_size"`
	MaxRetries int           `json:"max_retries"`
}

// ReportCache stores rendered report bytes in Redis. Reads are best-effort:
// any Redis failure reads as a miss so exports degrade to rendering.
type ReportCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *telemetry.Metrics
	logger  *logrus.Logger
}

// NewReportCache connects to Redis and verifies the connection.
func NewReportCache(cfg Config, metrics *telemetry.Metrics, logger *logrus.Logger) (*ReportCache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ReportCache{client: client, ttl: ttl, metrics: metrics, logger: logger}, nil
}

// cachedReport wraps rendered bytes with cache metadata.
type cachedReport struct {
	Data      []byte    `json:"data"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DocumentKey derives the cache key from the document content. The
// generation timestamp is excluded so regenerating an identical report maps
// to the same entry.
func DocumentKey(doc *domain.ReportDocument) (string, error) {
	canonical := *doc
	canonical.GeneratedAt = time.Time{}
	payload, err := json.Marshal(&canonical)
	if err != nil {
		return "", fmt.Errorf("marshaling report document: %w", err)
	}
	hash := sha256.Sum256(payload)
	return fmt.Sprintf("qcnorm:report:%x", hash[:8]), nil
}

// Get returns the cached rendered bytes for doc, if present and fresh.
func (c *ReportCache) Get(ctx context.Context, doc *domain.ReportDocument) ([]byte, bool) {
	key, err := DocumentKey(doc)
	if err != nil {
		return nil, false
	}

	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		c.metrics.CacheMiss(cacheName)
		return nil, false
	}
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"key":   key,
			"error": err.Error(),
		}).Warn("Report cache read failed")
		c.metrics.CacheMiss(cacheName)
		return nil, false
	}

	var cached cachedReport
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		// Corrupted entry; drop it.
		c.client.Del(ctx, key)
		c.metrics.CacheMiss(cacheName)
		return nil, false
	}
	if time.Now().After(cached.ExpiresAt) {
		c.client.Del(ctx, key)
		c.metrics.CacheMiss(cacheName)
		return nil, false
	}

	c.metrics.CacheHit(cacheName)
	return cached.Data, true
}

// Put stores rendered bytes for doc under the cache TTL.
func (c *ReportCache) Put(ctx context.Context, doc *domain.ReportDocument, rendered []byte) error {
	key, err := DocumentKey(doc)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	cached := cachedReport{
		Data:      rendered,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	payload, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshaling cached report: %w", err)
	}
	return c.client.Set(ctx, key, payload, c.ttl).Err()
}

// Invalidate removes the cached entry for doc.
func (c *ReportCache) Invalidate(ctx context.Context, doc *domain.ReportDocument) error {
	key, err := DocumentKey(doc)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, key).Err()
}

// Ping checks the Redis connection.
func (c *ReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (c *ReportCache) Close() error {
	return c.client.Close()
}
