package common

import (
	"context"
	"net/http"
	"time"
)

// this is an exact copy of otter's Loader
type CacheLoader[K comparable, V any] interface {
	Load(ctx context.Context, key K) (V, error)
	Reload(ctx context.Context, key K, oldValue V) (V, error)
}

type Cache[TKey comparable, TValue any] interface {
	Get(ctx context.Context, key TKey) (TValue, error)
	GetEx(ctx context.Context, key TKey, loader CacheLoader[TKey, TValue]) (TValue, error)
	SetMissing(ctx context.Context, key TKey) error
	Set(ctx context.Context, key TKey, t TValue) error
	SetWithTTL(ctx context.Context, key TKey, t TValue, ttl time.Duration) error
	Delete(ctx context.Context, key TKey) error
	Missing() TValue
	HitRatio() float64
}

type ConfigItem interface {
	Key() ConfigKey
	Value() string
}

type ConfigStore interface {
	Get(key ConfigKey) ConfigItem
	Update(ctx context.Context)
}

type PlatformMetrics interface {
	ObserveHealth(postgres bool)
	ObserveCacheHitRatio(name string, ratio float64)
}

// GatekeeperMetrics is the API-surface metrics contract: one counter family
// per verification stage so dashboards can slice by sitekey/outcome without
// coupling pkg/api to a concrete Prometheus registration.
type GatekeeperMetrics interface {
	Handler(h http.Handler) http.Handler
	ObserveChallengeIssued(sitekeyTag string)
	ObserveVerifyAttempt(sitekeyTag string, result ErrorCode)
	ObserveRiskBand(sitekeyTag string, band string)
}
