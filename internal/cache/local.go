package cache

import (
	"log/slog"
	"time"

	"github.com/IliaW/site-cloner/config"
	"github.com/IliaW/site-cloner/internal"
	"github.com/IliaW/site-cloner/internal/fetcher"
	"github.com/patrickmn/go-cache"
)

// LocalCache is an in-process asset cache with expiration.
type LocalCache struct {
	cache *cache.Cache
}

func NewLocalCache(cacheConfig *config.CacheConfig) *LocalCache {
	ttl := cacheConfig.TtlForAsset
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &LocalCache{cache: cache.New(ttl, 2*ttl)}
}

func (lc *LocalCache) Get(url string) (*fetcher.Asset, bool) {
	v, ok := lc.cache.Get(internal.HashURL(url))
	if !ok {
		return nil, false
	}
	return v.(*fetcher.Asset), true
}

func (lc *LocalCache) Set(url string, asset *fetcher.Asset) {
	lc.cache.SetDefault(internal.HashURL(url), asset)
}

func (lc *LocalCache) Close() {
	slog.Debug("flushing local cache.", slog.Int("items", lc.cache.ItemCount()))
	lc.cache.Flush()
}

// New picks the cache backend from the config. It returns nil for "none".
func New(cacheConfig *config.CacheConfig) AssetCache {
	switch cacheConfig.Type {
	case "memcached":
		return NewMemcachedClient(cacheConfig)
	case "local":
		return NewLocalCache(cacheConfig)
	default:
		slog.Info("asset cache disabled.")
		return nil
	}
}
