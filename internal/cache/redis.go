package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lettinghub/property-query/internal/config"
	"github.com/lettinghub/property-query/internal/models"
	"github.com/lettinghub/property-query/internal/observability"
)

// negativeMarker caches "the provider had no answer" so repeated misses
// for the same phrase don't hit the provider again.
const negativeMarker = "nil"

// RedisCache holds geocoding lookups. Query results are never cached; the
// engine is a pure function of the store's current contents and caching
// them would serve stale listings.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(cfg config.RedisConfig, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	var client redis.UniversalClient

	if len(cfg.Addresses) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addresses[0],
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis cache connected", zap.Strings("addresses", cfg.Addresses))

	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// GetGeocode returns the cached result for a location phrase. The second
// return distinguishes "cached as no result" from "not cached at all".
func (rc *RedisCache) GetGeocode(ctx context.Context, text string) (*models.GeoPoint, bool, error) {
	key := geocodeKey(text)
	val, err := rc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		observability.CacheMisses.Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get geocode: %w", err)
	}

	observability.CacheHits.Inc()
	if val == negativeMarker {
		return nil, true, nil
	}

	var point models.GeoPoint
	if err := json.Unmarshal([]byte(val), &point); err != nil {
		return nil, false, fmt.Errorf("cache unmarshal geocode: %w", err)
	}
	return &point, true, nil
}

// SetGeocode caches a geocoding result. A nil point is stored as a
// negative entry with the same TTL.
func (rc *RedisCache) SetGeocode(ctx context.Context, text string, point *models.GeoPoint) error {
	key := geocodeKey(text)
	if point == nil {
		return rc.client.Set(ctx, key, negativeMarker, rc.ttl).Err()
	}

	data, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("cache marshal geocode: %w", err)
	}
	return rc.client.Set(ctx, key, data, rc.ttl).Err()
}

func (rc *RedisCache) HealthCheck(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// geocodeKey normalizes the phrase so trivially different spellings of the
// same lookup share an entry.
func geocodeKey(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	return fmt.Sprintf("geo:%s", hashString(normalized))
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:8])
}
