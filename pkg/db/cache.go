package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/common"
	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

var (
	ErrNegativeCacheHit    = errors.New("negative hit")
	ErrCacheMiss           = errors.New("cache miss")
	ErrSetMissing          = errors.New("cannot set missing value directly")
	errEmptyCacheKeyPrefix = errors.New("cache key prefix is empty")
)

type memcache[TKey comparable, TValue comparable] struct {
	name    string
	store   *otter.Cache[TKey, TValue]
	counter *stats.Counter
	// TODO: Evaluate storing negative cache separately from the main one
	// with much smaller max size
	missingValue TValue
	missingTTL   time.Duration
}

type pcOtterLogger struct{}

func (pcOtterLogger) Warn(ctx context.Context, msg string, err error) {
	slog.WarnContext(ctx, msg, "source", "otter", common.ErrAttr(err))
}
func (pcOtterLogger) Error(ctx context.Context, msg string, err error) {
	slog.ErrorContext(ctx, msg, "source", "otter", common.ErrAttr(err))
}

func NewMemoryCache[TKey comparable, TValue comparable](name string, maxCacheSize int, missingValue TValue, expiryTTL, refreshTTL, missingTTL time.Duration) (*memcache[TKey, TValue], error) {
	counter := stats.NewCounter()
	store, err := otter.New(&otter.Options[TKey, TValue]{
		MaximumSize:       maxCacheSize,
		InitialCapacity:   max(100, maxCacheSize/1000),
		ExpiryCalculator:  otter.ExpiryAccessing[TKey, TValue](expiryTTL),
		RefreshCalculator: otter.RefreshWriting[TKey, TValue](refreshTTL),
		StatsRecorder:     counter,
		Logger:            &pcOtterLogger{},
	})

	if err != nil {
		return nil, err
	}

	return &memcache[TKey, TValue]{
		name:         name,
		store:        store,
		counter:      counter,
		missingValue: missingValue,
		missingTTL:   missingTTL,
	}, nil
}

var _ common.Cache[int, any] = (*memcache[int, any])(nil)

func (c *memcache[TKey, TValue]) Missing() TValue {
	return c.missingValue
}

func (c *memcache[TKey, TValue]) HitRatio() float64 {
	return c.counter.Snapshot().HitRatio()
}

func (c *memcache[TKey, TValue]) Get(ctx context.Context, key TKey) (TValue, error) {
	data, found := c.store.GetIfPresent(key)
	if !found {
		slog.Log(ctx, common.LevelTrace, "Item not found in memory cache", "cache", c.name, "key", key)
		var zero TValue
		return zero, ErrCacheMiss
	}

	if data == c.missingValue {
		slog.Log(ctx, common.LevelTrace, "Item set as missing in memory cache", "cache", c.name, "key", key)
		var zero TValue
		return zero, ErrNegativeCacheHit
	}

	slog.Log(ctx, common.LevelTrace, "Found item in memory cache", "cache", c.name, "key", key)

	return data, nil
}

func (c *memcache[TKey, TValue]) GetEx(ctx context.Context, key TKey, loader common.CacheLoader[TKey, TValue]) (TValue, error) {
	data, err := c.store.Get(ctx, key, loader)
	if err != nil {
		if errors.Is(err, otter.ErrNotFound) {
			slog.Log(ctx, common.LevelTrace, "Item not found in memory cache", "cache", c.name, "key", key)

			var zero TValue
			return zero, ErrCacheMiss
		}

		slog.ErrorContext(ctx, "Failed to get item from memory cache", "cache", c.name, "key", key, common.ErrAttr(err))

		return data, err
	}

	if data == c.missingValue {
		// we force-set TTL as it means loader function returned missing value, in contrast to using function SetMission()
		c.store.SetExpiresAfter(key, c.missingTTL)
		slog.Log(ctx, common.LevelTrace, "Item set as missing in memory cache", "cache", c.name, "key", key)
		var zero TValue
		return zero, ErrNegativeCacheHit
	}

	slog.Log(ctx, common.LevelTrace, "Found item in memory cache", "cache", c.name, "key", key)

	return data, nil
}

func (c *memcache[TKey, TValue]) SetMissing(ctx context.Context, key TKey) error {
	c.store.Set(key, c.missingValue)
	c.store.SetExpiresAfter(key, c.missingTTL)

	slog.Log(ctx, common.LevelTrace, "Set item as missing in memory cache", "cache", c.name, "key", key)

	return nil
}

func (c *memcache[TKey, TValue]) Set(ctx context.Context, key TKey, t TValue) error {
	if t == c.missingValue {
		return ErrSetMissing
	}

	c.store.Set(key, t)

	slog.Log(ctx, common.LevelTrace, "Saved item to memory cache", "cache", c.name, "key", key)

	return nil
}

func (c *memcache[TKey, TValue]) SetWithTTL(ctx context.Context, key TKey, t TValue, ttl time.Duration) error {
	if t == c.missingValue {
		return ErrSetMissing
	}

	c.store.Set(key, t)
	c.store.SetExpiresAfter(key, ttl)

	slog.Log(ctx, common.LevelTrace, "Saved item to memory cache", "cache", c.name, "key", key, "ttl", ttl)

	return nil
}

func (c *memcache[TKey, TValue]) Delete(ctx context.Context, key TKey) error {
	_, found := c.store.Invalidate(key)

	slog.Log(ctx, common.LevelTrace, "Deleted item from memory cache", "cache", c.name, "key", key, "found", found)

	return nil
}

type CacheKeyPrefix byte

const (
	sitekeyCacheKeyPrefix CacheKeyPrefix = iota
	secretHashCacheKeyPrefix
	policyCacheKeyPrefix
	// Add new fields _above_
	CACHE_KEY_PREFIXES_COUNT
)

var (
	cachePrefixToStrings []string
	cachePrefixMux       sync.Mutex
)

func init() {
	cachePrefixMux.Lock()
	defer cachePrefixMux.Unlock()

	if len(cachePrefixToStrings) < int(CACHE_KEY_PREFIXES_COUNT) {
		cachePrefixToStrings = make([]string, CACHE_KEY_PREFIXES_COUNT)
	}

	cachePrefixToStrings[sitekeyCacheKeyPrefix] = "sitekey/"
	cachePrefixToStrings[secretHashCacheKeyPrefix] = "secrethash/"
	cachePrefixToStrings[policyCacheKeyPrefix] = "policy/"

	for i, v := range cachePrefixToStrings {
		if len(v) == 0 {
			panic(fmt.Sprintf("found unconfigured value for key: %v", i))
		}
	}
}

func RegisterCachePrefixString(prefix CacheKeyPrefix, s string) error {
	if len(s) == 0 {
		return errEmptyCacheKeyPrefix
	}

	cachePrefixMux.Lock()
	defer cachePrefixMux.Unlock()

	if int(prefix) >= len(cachePrefixToStrings) {
		newSlice := make([]string, int(prefix)+1)
		copy(newSlice, cachePrefixToStrings)
		cachePrefixToStrings = newSlice
	}

	if cachePrefixToStrings[prefix] != "" {
		return fmt.Errorf("cache: duplicate registration for prefix %v", prefix)
	}

	cachePrefixToStrings[prefix] = s
	return nil
}

// it's a "union" type which is better than doing string concatenation as before
type CacheKey struct {
	Prefix   CacheKeyPrefix
	IntValue int32
	StrValue string
}

func (ck CacheKey) String() string {
	var prefix string
	if int(ck.Prefix) < len(cachePrefixToStrings) {
		prefix = cachePrefixToStrings[ck.Prefix]
	}

	if len(ck.StrValue) != 0 {
		return prefix + ck.StrValue
	}

	return prefix + strconv.Itoa(int(ck.IntValue))
}

func (ck CacheKey) LogValue() slog.Value {
	return slog.StringValue(ck.String())
}

func Int32CacheKey(prefix CacheKeyPrefix, value int32) CacheKey {
	return CacheKey{
		Prefix:   prefix,
		IntValue: value,
		StrValue: "",
	}
}

func StringCacheKey(prefix CacheKeyPrefix, value string) CacheKey {
	return CacheKey{
		Prefix:   prefix,
		IntValue: 0,
		StrValue: value,
	}
}

func SitekeyCacheKey(sitekey string) CacheKey {
	return StringCacheKey(sitekeyCacheKeyPrefix, sitekey)
}
func SecretHashCacheKey(hash string) CacheKey {
	return StringCacheKey(secretHashCacheKeyPrefix, hash)
}
func PolicyCacheKey(sitekey string) CacheKey {
	return StringCacheKey(policyCacheKeyPrefix, sitekey)
}
