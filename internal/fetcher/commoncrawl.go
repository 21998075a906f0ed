package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/IliaW/site-cloner/config"
	jsoniter "github.com/json-iterator/go"
	"github.com/karust/gogetcrawl/common"
	"github.com/karust/gogetcrawl/commoncrawl"
	"github.com/patrickmn/go-cache"
)

const indexListUrl = "https://index.commoncrawl.org/collinfo.json"

var (
	doctypeHtml = regexp.MustCompile(`(?si)<!doctype html>.*?</html>`)
	bareHtml    = regexp.MustCompile(`(?si)<html[\s>].*</html>`)
)

type Index struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	Timegate string `json:"timegate"`
	CdxAPI   string `json:"cdx-api"`
}

// CommonCrawlFetcher serves the most recent archived copy of a page from
// Common Crawl. It has small request limits and is meant as a fallback.
type CommonCrawlFetcher struct {
	crawler    *commoncrawl.CommonCrawl
	cfg        *config.CrawlerConfig
	localCache *cache.Cache
	mu         sync.Mutex
}

func NewCommonCrawlFetcher(cfg *config.CrawlerConfig) *CommonCrawlFetcher {
	c, err := commoncrawl.New(cfg.RequestTimeout, cfg.Retries)
	if err != nil {
		slog.Error("failed to create common crawl client", slog.String("err", err.Error()))
	}
	return &CommonCrawlFetcher{
		crawler:    c,
		cfg:        cfg,
		localCache: cache.New(72*time.Hour, 72*time.Hour), // CommonCrawl indexes update every month
	}
}

func (c *CommonCrawlFetcher) Fetch(ctx context.Context, url string) (*PageResult, error) {
	slog.Info("fetching from Common Crawl.", slog.String("url", url))
	client, err := c.client()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNavigation, err)
	}

	indexList, err := c.getIndexes(client)
	if err != nil {
		return nil, fmt.Errorf("%w: common crawl indexes: %w", ErrNavigation, err)
	}
	requestCfg := common.RequestConfig{
		URL:     url,
		Filters: []string{"statuscode:200", "mimetype:text/html"},
	}

	html := ""
	for i := 0; i < c.cfg.LastCrawlIndexes && i < len(indexList); i++ {
		if err = ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNavigation, err)
		}
		p, _ := client.GetPagesIndex(requestCfg, indexList[i].Id)
		if len(p) == 0 {
			slog.Debug("no crawls found in Common Crawl.", slog.String("url", url),
				slog.String("index", indexList[i].Id))
			continue
		}
		resp, err := client.GetFile(p[len(p)-1]) // last one is the most recent
		if err != nil {
			slog.Error("failed to get file", slog.String("err", err.Error()))
			break
		}
		html = extractHtml(string(resp))
		break
	}
	if html == "" {
		return nil, fmt.Errorf("%w: no crawls found in Common Crawl. url: %v", ErrNavigation, url)
	}

	return &PageResult{URL: url, HTML: html}, nil
}

// client retries the connection because Common Crawl may refuse it at startup.
func (c *CommonCrawlFetcher) client() (*commoncrawl.CommonCrawl, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.crawler == nil {
		slog.Info("connection retry to common crawl.")
		var err error
		c.crawler, err = commoncrawl.New(c.cfg.RequestTimeout, c.cfg.Retries)
		if err != nil {
			return nil, fmt.Errorf("connection to common crawl failed: %w", err)
		}
	}
	return c.crawler, nil
}

func (c *CommonCrawlFetcher) getIndexes(client *commoncrawl.CommonCrawl) ([]Index, error) {
	if i, ok := c.localCache.Get("indexes"); ok {
		return i.([]Index), nil
	}

	response, err := common.Get(indexListUrl, client.MaxTimeout, client.MaxRetries)
	if err != nil {
		return nil, err
	}

	var indexes []Index
	err = jsoniter.Unmarshal(response, &indexes)
	if err != nil {
		return indexes, err
	}
	c.localCache.Set("indexes", indexes, cache.DefaultExpiration)

	return indexes, nil
}

// extractHtml cuts the document out of an archived record that still carries
// WARC and HTTP headers.
func extractHtml(body string) string {
	if match := doctypeHtml.FindString(body); match != "" {
		return match
	}
	return bareHtml.FindString(body)
}

// FallbackFetcher consults the archive only when the primary fetcher could
// not navigate to the page.
type FallbackFetcher struct {
	Primary PageFetcher
	Archive PageFetcher
}

func (f *FallbackFetcher) Fetch(ctx context.Context, url string) (*PageResult, error) {
	result, err := f.Primary.Fetch(ctx, url)
	if err == nil || !errors.Is(err, ErrNavigation) || ctx.Err() != nil {
		return result, err
	}
	slog.Warn("navigation failed. trying the archive.", slog.String("url", url),
		slog.String("err", err.Error()))
	archived, archiveErr := f.Archive.Fetch(ctx, url)
	if archiveErr != nil {
		return nil, errors.Join(err, archiveErr)
	}

	return archived, nil
}

// FallbackLauncher wraps every session of the launcher with a FallbackFetcher.
type FallbackLauncher struct {
	Launcher Launcher
	Archive  PageFetcher
}

func (l *FallbackLauncher) Launch(ctx context.Context) (Session, error) {
	s, err := l.Launcher.Launch(ctx)
	if err != nil {
		return nil, err
	}
	return &fallbackSession{
		session:  s,
		fallback: &FallbackFetcher{Primary: s, Archive: l.Archive},
	}, nil
}

type fallbackSession struct {
	session  Session
	fallback *FallbackFetcher
}

func (s *fallbackSession) Fetch(ctx context.Context, url string) (*PageResult, error) {
	return s.fallback.Fetch(ctx, url)
}

func (s *fallbackSession) Close() error {
	return s.session.Close()
}
