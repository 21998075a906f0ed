package collector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/IliaW/site-cloner/internal/fetcher"
	"github.com/IliaW/site-cloner/internal/model"
	"github.com/IliaW/site-cloner/internal/resolver"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"
)

var (
	styleURL = regexp.MustCompile(`url\(\s*['"]?([^'")]+?)['"]?\s*\)`)

	skippedTypes = []string{
		"application/octet-stream",
		"application/x-shockwave-flash",
		"application/x-msdownload",
		"application/x-executable",
	}
)

type Options struct {
	// Resources enables capture of network responses and static assets.
	Resources bool
}

type Collector struct {
	assets   fetcher.AssetFetcher
	resolver *resolver.Resolver
	workers  int
	now      func() time.Time
}

type Option func(*Collector)

func WithResolver(r *resolver.Resolver) Option {
	return func(c *Collector) {
		c.resolver = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		c.now = now
	}
}

func New(assets fetcher.AssetFetcher, workers int, opts ...Option) *Collector {
	if workers <= 0 {
		workers = 1
	}
	c := &Collector{
		assets:   assets,
		resolver: resolver.New(),
		workers:  workers,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect loads one page and extracts its metadata and outgoing references.
// With Options.Resources it also returns the resources the page needs, each
// placed by the resolver. Asset failures never fail the page.
func (c *Collector) Collect(ctx context.Context, pageURL string, pages fetcher.PageFetcher,
	opts Options) (*model.Page, []model.Resource, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", model.ErrInvalidInput, pageURL)
	}
	result, err := pages.Fetch(ctx, pageURL)
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(result.HTML))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", fetcher.ErrEmptyPage, pageURL, err)
	}

	p := &model.Page{
		URL:         pageURL,
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Description: doc.Find(`meta[name="description"]`).First().AttrOr("content", ""),
		HTML:        result.HTML,
		Links:       extractLinks(doc, base),
		Images:      extractAttr(doc, base, "img[src]", "src"),
		CSSFiles:    extractAttr(doc, base, `link[rel~="stylesheet"][href]`, "href"),
		JSFiles:     extractAttr(doc, base, "script[src]", "src"),
		Timestamp:   c.now(),
	}
	if !opts.Resources {
		return p, nil, nil
	}

	resources := c.networkResources(pageURL, result)
	captured := make(map[string]bool, len(resources))
	for _, r := range resources {
		captured[r.URL] = true
	}
	var missing []string
	for _, u := range staticURLs(doc, base, p) {
		if !captured[u] {
			captured[u] = true
			missing = append(missing, u)
		}
	}
	resources = append(resources, c.Download(ctx, missing)...)

	return p, resources, nil
}

func (c *Collector) networkResources(pageURL string, result *fetcher.PageResult) []model.Resource {
	resources := make([]model.Resource, 0, len(result.Resources))
	for _, raw := range result.Resources {
		if skipResponse(raw, pageURL, result.URL) {
			continue
		}
		resources = append(resources, c.newResource(raw.URL, raw.ContentType, raw.Body, model.Network))
	}
	return resources
}

// Download fetches urls with bounded parallelism and records them as STATIC
// resources. The result keeps the order of urls; failed downloads are left out.
func (c *Collector) Download(ctx context.Context, urls []string) []model.Resource {
	if len(urls) == 0 || c.assets == nil {
		return nil
	}
	slots := make([]*model.Resource, len(urls))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, u := range urls {
		g.Go(func() error {
			asset, err := c.assets.FetchBytes(gCtx, u)
			if err != nil {
				slog.Debug("failed to fetch static resource.", slog.String("url", u),
					slog.String("err", err.Error()))
				return nil
			}
			r := c.newResource(u, asset.ContentType, asset.Body, model.Static)
			slots[i] = &r
			return nil
		})
	}
	_ = g.Wait()

	resources := make([]model.Resource, 0, len(urls))
	for _, r := range slots {
		if r != nil {
			resources = append(resources, *r)
		}
	}
	return resources
}

func (c *Collector) newResource(u, contentType string, body []byte, source model.ResourceSource) model.Resource {
	saveAs := c.resolver.Resolve(u, contentType, body)
	return model.Resource{
		URL:         u,
		ContentType: contentType,
		Content:     body,
		IsText:      IsText(contentType),
		Size:        len(body),
		Source:      source,
		SavePath:    saveAs.Path,
		SaveName:    saveAs.Name,
		IsDataURI:   saveAs.IsDataURI,
		Timestamp:   c.now(),
	}
}

// IsText reports whether content of this type is stored as text.
func IsText(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "json") ||
		strings.Contains(ct, "javascript") ||
		strings.Contains(ct, "xml")
}

func skipResponse(raw fetcher.RawNetworkResource, pageURL, resultURL string) bool {
	if !isHTTP(raw.URL) {
		return true
	}
	if raw.Status >= 300 && raw.Status < 400 {
		return true
	}
	ct := strings.ToLower(raw.ContentType)
	if strings.Contains(ct, "text/html") && !samePage(raw.URL, pageURL) && !samePage(raw.URL, resultURL) {
		return true
	}
	for _, t := range skippedTypes {
		if strings.Contains(ct, t) {
			return true
		}
	}
	return false
}

func samePage(a, b string) bool {
	return b != "" && (a == b || a == b+"/" || a+"/" == b)
}

func isHTTP(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// absolute resolves ref against base. Only http(s) urls are returned, without
// the fragment.
func absolute(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

func extractLinks(doc *goquery.Document, base *url.URL) []string {
	return extractAttr(doc, base, "a[href]", "href")
}

func extractAttr(doc *goquery.Document, base *url.URL, selector, attr string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0)
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		u, ok := absolute(base, s.AttrOr(attr, ""))
		if !ok || seen[u] {
			return
		}
		seen[u] = true
		result = append(result, u)
	})
	return result
}

// staticURLs lists everything the page references statically, in document
// order and without duplicates.
func staticURLs(doc *goquery.Document, base *url.URL, p *model.Page) []string {
	var urls []string
	urls = append(urls, p.AssetURLs()...)
	urls = append(urls, extractAttr(doc, base, `link[rel="preload"][as="font"][href]`, "href")...)
	urls = append(urls, extractAttr(doc, base,
		`link[rel~="icon"][href], link[rel="apple-touch-icon"][href], link[rel="manifest"][href]`, "href")...)
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		for _, m := range styleURL.FindAllStringSubmatch(s.Text(), -1) {
			if strings.HasPrefix(m[1], "data:") {
				continue
			}
			if u, ok := absolute(base, m[1]); ok {
				urls = append(urls, u)
			}
		}
	})

	seen := make(map[string]bool, len(urls))
	result := urls[:0]
	for _, u := range urls {
		if !seen[u] {
			seen[u] = true
			result = append(result, u)
		}
	}
	return result
}
