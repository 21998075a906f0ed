package cache

import (
	"errors"
	"log/slog"
	"os"

	"github.com/IliaW/site-cloner/config"
	"github.com/IliaW/site-cloner/internal"
	"github.com/IliaW/site-cloner/internal/fetcher"
	"github.com/bradfitz/gomemcache/memcache"
	jsoniter "github.com/json-iterator/go"
)

// maxItemSize is the default memcached item limit.
const maxItemSize = 1024 * 1024

// AssetCache keeps downloaded assets between jobs.
type AssetCache interface {
	Get(url string) (*fetcher.Asset, bool)
	Set(url string, asset *fetcher.Asset)
	Close()
}

type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
}

func NewMemcachedClient(cacheConfig *config.CacheConfig) *MemcachedClient {
	slog.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	err := ss.SetServers(cacheConfig.Servers...)
	if err != nil {
		slog.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cacheConfig,
	}
	slog.Info("pinging the memcached.")
	err = c.client.Ping()
	if err != nil {
		slog.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to memcached!")

	return c
}

func (mc *MemcachedClient) Get(url string) (*fetcher.Asset, bool) {
	key := internal.HashURL(url)
	item, err := mc.client.Get(key)
	if err != nil {
		if !errors.Is(err, memcache.ErrCacheMiss) {
			slog.Warn("failed to read asset from cache.", slog.String("key", key),
				slog.String("err", err.Error()))
		}
		return nil, false
	}
	var asset fetcher.Asset
	if err = jsoniter.Unmarshal(item.Value, &asset); err != nil {
		slog.Warn("failed to decode cached asset.", slog.String("key", key),
			slog.String("err", err.Error()))
		return nil, false
	}

	return &asset, true
}

func (mc *MemcachedClient) Set(url string, asset *fetcher.Asset) {
	key := internal.HashURL(url)
	if err := mc.set(key, asset, int32(mc.cfg.TtlForAsset.Seconds())); err != nil {
		slog.Debug("asset not cached.", slog.String("key", key), slog.String("url", url),
			slog.String("err", err.Error()))
		return
	}
	slog.Debug("asset saved to cache.", slog.String("key", key), slog.String("url", url))
}

func (mc *MemcachedClient) Close() {
	slog.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		slog.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

var errItemTooLarge = errors.New("item exceeds the memcached size limit")

func (mc *MemcachedClient) set(key string, value any, expiration int32) error {
	byteValue, err := jsoniter.Marshal(value)
	if err != nil {
		return err
	}
	if len(byteValue) > maxItemSize {
		return errItemTooLarge
	}
	item := &memcache.Item{
		Key:        key,
		Value:      byteValue,
		Expiration: expiration,
	}

	return mc.client.Set(item)
}
