package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IliaW/site-cloner/config"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const (
	smokeTestPage    = "data:text/html,<html><body>Test</body></html>"
	smokeTestTimeout = 10 * time.Second
	bodyReadTimeout  = 30 * time.Second
)

type LaunchStrategy struct {
	Name    string
	Options []chromedp.ExecAllocatorOption
}

// DefaultStrategies returns browser configurations from the most tuned to the
// most basic one.
func DefaultStrategies(cfg *config.CrawlerConfig) []LaunchStrategy {
	base := func(extra ...chromedp.ExecAllocatorOption) []chromedp.ExecAllocatorOption {
		opts := []chromedp.ExecAllocatorOption{
			chromedp.NoFirstRun,
			chromedp.NoDefaultBrowserCheck,
			chromedp.Headless,
			chromedp.UserAgent(cfg.UserAgent),
		}
		if cfg.ChromePath != "" {
			opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
		}
		return append(opts, extra...)
	}

	full := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-accelerated-2d-canvas", true),
		chromedp.Flag("no-zygote", true),
		chromedp.Flag("disable-web-security", true),
		chromedp.Flag("disable-features", "VizDisplayCompositor"),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-ipc-flooding-protection", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("password-store", "basic"),
		chromedp.Flag("use-mock-keychain", true),
	)
	if cfg.ChromePath != "" {
		full = append(full, chromedp.ExecPath(cfg.ChromePath))
	}

	return []LaunchStrategy{
		{Name: "full", Options: full},
		{Name: "minimal", Options: base(
			chromedp.NoSandbox,
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)},
		{Name: "no sandbox", Options: base(
			chromedp.NoSandbox,
			chromedp.Flag("disable-setuid-sandbox", true),
		)},
		{Name: "basic", Options: base()},
	}
}

type BrowserLauncher struct {
	strategies []LaunchStrategy
	cfg        *config.CrawlerConfig
}

func NewBrowserLauncher(cfg *config.CrawlerConfig, strategies ...LaunchStrategy) *BrowserLauncher {
	if len(strategies) == 0 {
		strategies = DefaultStrategies(cfg)
	}
	return &BrowserLauncher{
		strategies: strategies,
		cfg:        cfg,
	}
}

// Launch starts a browser with the first strategy that passes the smoke test.
func (l *BrowserLauncher) Launch(ctx context.Context) (Session, error) {
	var lastErr error
	for _, s := range l.strategies {
		slog.Debug("launching browser.", slog.String("strategy", s.Name))
		allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, s.Options...)
		browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
		if err := smokeTest(browserCtx); err != nil {
			slog.Warn("browser launch failed.", slog.String("strategy", s.Name),
				slog.String("err", err.Error()))
			cancelBrowser()
			cancelAlloc()
			lastErr = err
			continue
		}
		slog.Info("browser launched.", slog.String("strategy", s.Name))
		return &browserSession{
			browserCtx: browserCtx,
			cancel: func() {
				cancelBrowser()
				cancelAlloc()
			},
			cfg: l.cfg,
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no launch strategies")
	}

	return nil, fmt.Errorf("%w: %w", ErrLaunch, lastErr)
}

func smokeTest(browserCtx context.Context) error {
	// the first run starts the browser and must not carry a timeout
	if err := chromedp.Run(browserCtx); err != nil {
		return err
	}
	tCtx, cancelT := context.WithTimeout(browserCtx, smokeTestTimeout)
	defer cancelT()
	tabCtx, cancelTab := chromedp.NewContext(tCtx)
	defer cancelTab()

	return chromedp.Run(tabCtx, chromedp.Navigate(smokeTestPage))
}

type browserSession struct {
	browserCtx context.Context
	cancel     context.CancelFunc
	cfg        *config.CrawlerConfig
}

func (s *browserSession) Fetch(ctx context.Context, url string) (*PageResult, error) {
	tabCtx, cancelTab := chromedp.NewContext(s.browserCtx)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	rec := newResponseRecorder()
	chromedp.ListenTarget(tabCtx, rec.listen)
	if err := chromedp.Run(tabCtx); err != nil {
		return nil, fmt.Errorf("%w: open tab: %w", ErrNavigation, err)
	}

	err := s.navigate(tabCtx, url, "networkIdle")
	if err != nil && ctx.Err() == nil {
		slog.Debug("navigation did not settle. retrying with DOMContentLoaded.", slog.String("url", url),
			slog.String("err", err.Error()))
		err = s.navigate(tabCtx, url, "DOMContentLoaded")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNavigation, url, err)
	}

	rCtx, cancelR := context.WithTimeout(tabCtx, bodyReadTimeout)
	defer cancelR()
	var html string
	var resources []RawNetworkResource
	err = chromedp.Run(rCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			rootNode, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(rootNode.NodeID).Do(ctx)
			return err
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			resources = rec.bodies(ctx)
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: read document: %w", ErrNavigation, err)
	}
	if strings.TrimSpace(html) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyPage, url)
	}

	return &PageResult{
		URL:       url,
		HTML:      html,
		Resources: resources,
	}, nil
}

func (s *browserSession) navigate(tabCtx context.Context, url, eventName string) error {
	tCtx, cancel := context.WithTimeout(tabCtx, s.cfg.NavigationTimeout)
	defer cancel()

	return chromedp.Run(tCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{
			"User-Agent": s.cfg.UserAgent,
		}),
		enableLifeCycleEvents(),
		navigateAndWaitFor(url, eventName),
	)
}

func (s *browserSession) Close() error {
	s.cancel()
	return nil
}

// responseRecorder keeps the responses of one tab until their bodies are read.
type responseRecorder struct {
	mu        sync.Mutex
	order     []network.RequestID
	responses map[network.RequestID]*network.Response
	finished  map[network.RequestID]bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		responses: make(map[network.RequestID]*network.Response),
		finished:  make(map[network.RequestID]bool),
	}
}

func (r *responseRecorder) listen(event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e := event.(type) {
	case *network.EventResponseReceived:
		if _, ok := r.responses[e.RequestID]; !ok {
			r.order = append(r.order, e.RequestID)
		}
		r.responses[e.RequestID] = e.Response
	case *network.EventLoadingFinished:
		r.finished[e.RequestID] = true
	}
}

// bodies pulls the bodies of finished responses. Responses without a
// retrievable body (redirects, evicted buffers) are skipped.
func (r *responseRecorder) bodies(ctx context.Context) []RawNetworkResource {
	r.mu.Lock()
	ids := make([]network.RequestID, 0, len(r.order))
	responses := make(map[network.RequestID]*network.Response, len(r.order))
	for _, id := range r.order {
		if r.finished[id] {
			ids = append(ids, id)
			responses[id] = r.responses[id]
		}
	}
	r.mu.Unlock()

	result := make([]RawNetworkResource, 0, len(ids))
	for _, id := range ids {
		resp := responses[id]
		body, err := network.GetResponseBody(id).Do(ctx)
		if err != nil {
			slog.Debug("failed to read response body.", slog.String("url", resp.URL),
				slog.String("err", err.Error()))
			continue
		}
		result = append(result, RawNetworkResource{
			URL:         resp.URL,
			ContentType: resp.MimeType,
			Body:        body,
			Status:      int(resp.Status),
		})
	}

	return result
}

func enableLifeCycleEvents() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		err := page.Enable().Do(ctx)
		if err != nil {
			return err
		}
		err = page.SetLifecycleEventsEnabled(true).Do(ctx)
		if err != nil {
			return err
		}
		return nil
	}
}

func navigateAndWaitFor(url string, eventName string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		_, _, errorText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return errors.New(errorText)
		}
		return waitFor(ctx, eventName)
	}
}

func waitFor(ctx context.Context, eventName string) error {
	ch := make(chan struct{})
	var once sync.Once
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	chromedp.ListenTarget(cctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventLifecycleEvent:
			if e.Name == eventName {
				once.Do(func() {
					cancel()
					close(ch)
				})
			}
		}
	})
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
