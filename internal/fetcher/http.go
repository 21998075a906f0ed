package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/IliaW/site-cloner/config"
	"github.com/gocolly/colly"
)

// HTTPLauncher fetches pages without a browser. The HTML is the server
// response, so scripts are not executed.
type HTTPLauncher struct {
	transport http.RoundTripper
	cfg       *config.CrawlerConfig
}

func NewHTTPLauncher(cfg *config.CrawlerConfig, transport http.RoundTripper) *HTTPLauncher {
	return &HTTPLauncher{
		transport: transport,
		cfg:       cfg,
	}
}

func (l *HTTPLauncher) Launch(_ context.Context) (Session, error) {
	return &httpSession{launcher: l}, nil
}

type httpSession struct {
	launcher *HTTPLauncher
}

func (s *httpSession) Fetch(ctx context.Context, url string) (*PageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNavigation, err)
	}
	cfg := s.launcher.cfg
	c := newCollector(s.launcher.transport, cfg.NavigationTimeout, cfg.UserAgent, cfg.MaxBodySize)

	var result *PageResult
	c.OnResponse(func(resp *colly.Response) {
		finalURL := resp.Request.URL.String()
		result = &PageResult{
			URL:  url,
			HTML: string(resp.Body),
			Resources: []RawNetworkResource{{
				URL:         finalURL,
				ContentType: resp.Headers.Get("Content-Type"),
				Body:        resp.Body,
				Status:      resp.StatusCode,
			}},
		}
	})

	if err := c.Visit(url); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNavigation, url, err)
	}
	if result == nil || strings.TrimSpace(result.HTML) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyPage, url)
	}
	if tooLarge(result.HTML, cfg.MaxBodySize) {
		return nil, fmt.Errorf("%w: %s: %w", ErrNavigation, url, ErrTooLarge)
	}

	return result, nil
}

func (s *httpSession) Close() error {
	return nil
}

type HTTPAssetFetcher struct {
	transport http.RoundTripper
	cfg       *config.CrawlerConfig
}

func NewHTTPAssetFetcher(cfg *config.CrawlerConfig, transport http.RoundTripper) *HTTPAssetFetcher {
	return &HTTPAssetFetcher{
		transport: transport,
		cfg:       cfg,
	}
}

func (f *HTTPAssetFetcher) FetchBytes(ctx context.Context, url string) (*Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := newCollector(f.transport, f.cfg.AssetTimeout, f.cfg.UserAgent, f.cfg.MaxBodySize)

	var asset *Asset
	c.OnResponse(func(resp *colly.Response) {
		asset = &Asset{
			Body:        resp.Body,
			ContentType: resp.Headers.Get("Content-Type"),
		}
	})

	if err := c.Visit(url); err != nil {
		return nil, fmt.Errorf("fetch asset %s: %w", url, err)
	}
	if asset == nil {
		return nil, fmt.Errorf("fetch asset %s: no response", url)
	}
	if tooLarge(asset.Body, f.cfg.MaxBodySize) {
		return nil, fmt.Errorf("fetch asset %s: %w", url, ErrTooLarge)
	}

	return asset, nil
}

// newCollector builds a colly collector for a single visit. colly cuts bodies
// at MaxBodySize without an error, so the limit is raised by one byte and
// callers reject anything longer than maxBody with tooLarge.
func newCollector(transport http.RoundTripper, timeout time.Duration, userAgent string,
	maxBody int) *colly.Collector {
	c := colly.NewCollector()
	if transport != nil {
		c.WithTransport(transport)
	}
	c.SetRequestTimeout(timeout)
	c.UserAgent = userAgent
	c.MaxBodySize = 0
	if maxBody > 0 {
		c.MaxBodySize = maxBody + 1
	}

	return c
}

func tooLarge[T string | []byte](body T, maxBody int) bool {
	return maxBody > 0 && len(body) > maxBody
}
