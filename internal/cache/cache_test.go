package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/IliaW/site-cloner/config"
	"github.com/IliaW/site-cloner/internal/fetcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCache_SetGet(t *testing.T) {
	c := NewLocalCache(&config.CacheConfig{TtlForAsset: time.Minute})
	defer c.Close()

	_, ok := c.Get("https://a.com/s.css")
	assert.False(t, ok)

	c.Set("https://a.com/s.css", &fetcher.Asset{Body: []byte("body{}"), ContentType: "text/css"})
	got, ok := c.Get("https://a.com/s.css")
	require.True(t, ok)
	assert.Equal(t, "text/css", got.ContentType)
	assert.Equal(t, []byte("body{}"), got.Body)

	_, ok = c.Get("https://a.com/other.css")
	assert.False(t, ok)
}

func TestLocalCache_Expires(t *testing.T) {
	c := NewLocalCache(&config.CacheConfig{TtlForAsset: 20 * time.Millisecond})
	c.Set("https://a.com/s.css", &fetcher.Asset{Body: []byte("x")})

	assert.Eventually(t, func() bool {
		_, ok := c.Get("https://a.com/s.css")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestLocalCache_CloseFlushes(t *testing.T) {
	c := NewLocalCache(&config.CacheConfig{})
	c.Set("https://a.com/s.css", &fetcher.Asset{Body: []byte("x")})

	c.Close()

	_, ok := c.Get("https://a.com/s.css")
	assert.False(t, ok)
}

func TestNew_SelectsBackend(t *testing.T) {
	assert.Nil(t, New(&config.CacheConfig{Type: "none"}))
	assert.IsType(t, &LocalCache{}, New(&config.CacheConfig{Type: "local"}))
}

func TestMemcachedClient_RejectsLargeItems(t *testing.T) {
	mc := &MemcachedClient{cfg: &config.CacheConfig{TtlForAsset: time.Minute}}

	err := mc.set("key", &fetcher.Asset{Body: []byte(strings.Repeat("a", maxItemSize))}, 60)

	assert.ErrorIs(t, err, errItemTooLarge)
}
