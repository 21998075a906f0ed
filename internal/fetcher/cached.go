package fetcher

import (
	"context"
	"log/slog"
)

// AssetStore is the part of an asset cache the fetcher needs.
type AssetStore interface {
	Get(url string) (*Asset, bool)
	Set(url string, asset *Asset)
}

// CachedAssetFetcher answers from the store first and stores every
// successful download.
type CachedAssetFetcher struct {
	Fetcher AssetFetcher
	Store   AssetStore
}

func (f *CachedAssetFetcher) FetchBytes(ctx context.Context, url string) (*Asset, error) {
	if asset, ok := f.Store.Get(url); ok {
		slog.Debug("asset served from cache.", slog.String("url", url))
		return asset, nil
	}
	asset, err := f.Fetcher.FetchBytes(ctx, url)
	if err != nil {
		return nil, err
	}
	f.Store.Set(url, asset)

	return asset, nil
}
