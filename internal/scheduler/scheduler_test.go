package scheduler

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IliaW/site-cloner/internal/archive"
	"github.com/IliaW/site-cloner/internal/collector"
	"github.com/IliaW/site-cloner/internal/fetcher"
	"github.com/IliaW/site-cloner/internal/model"
	"github.com/IliaW/site-cloner/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// site maps a url to the links of the page served there.
type site map[string][]string

type fakeSession struct {
	site    site
	broken  map[string]bool
	onFetch func(url string)
	mu      sync.Mutex
	fetched []string
	closed  bool
}

func (s *fakeSession) Fetch(_ context.Context, url string) (*fetcher.PageResult, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, url)
	s.mu.Unlock()
	if s.onFetch != nil {
		s.onFetch(url)
	}
	if s.broken[url] {
		return nil, fmt.Errorf("%w: %s", fetcher.ErrNavigation, url)
	}
	links, ok := s.site[url]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fetcher.ErrNavigation, url)
	}
	var b strings.Builder
	b.WriteString(`<html><head><title>` + url + `</title><link rel="stylesheet" href="/style.css"></head><body>`)
	for _, l := range links {
		b.WriteString(`<a href="` + l + `">x</a>`)
	}
	b.WriteString(`<img src="/logo.png"><img src="/missing.png"></body></html>`)
	return &fetcher.PageResult{
		URL:  url,
		HTML: b.String(),
		Resources: []fetcher.RawNetworkResource{
			{URL: url, ContentType: "text/html", Body: []byte(b.String()), Status: 200},
		},
	}, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeLauncher struct {
	session *fakeSession
	err     error
}

func (l *fakeLauncher) Launch(context.Context) (fetcher.Session, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.session, nil
}

type fakeAssets struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeAssets) FetchBytes(_ context.Context, url string) (*fetcher.Asset, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	if strings.HasSuffix(url, "missing.png") {
		return nil, errors.New("not found")
	}
	if strings.HasSuffix(url, ".css") {
		return &fetcher.Asset{Body: []byte("body{}"), ContentType: "text/css"}, nil
	}
	return &fetcher.Asset{Body: []byte{0x89, 'P', 'N', 'G'}, ContentType: "image/png"}, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*model.Job
}

func (n *recordingNotifier) JobFinished(job *model.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
}

func newTestScheduler(launcher fetcher.Launcher, opts ...Option) (*Scheduler, *store.JobStore, *fakeAssets) {
	jobs := store.NewJobStore()
	assets := &fakeAssets{}
	ids := 0
	opts = append([]Option{WithIDGenerator(func() string {
		ids++
		return fmt.Sprintf("job-%d", ids)
	})}, opts...)
	return New(jobs, launcher, collector.New(assets, 2), opts...), jobs, assets
}

func runJob(t *testing.T, s *Scheduler, seed string, opts Options) string {
	t.Helper()
	id, err := s.Submit(seed, opts)
	require.NoError(t, err)
	_ = s.Run(context.Background(), id)
	return id
}

func TestScheduler_SinglePage(t *testing.T) {
	session := &fakeSession{site: site{
		"https://a.com/": {"/about", "/contact"},
	}}
	s, jobs, _ := newTestScheduler(&fakeLauncher{session: session})

	id := runJob(t, s, "https://a.com/", Options{MaxPages: 1})

	job, err := jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.Len(t, job.Pages, 1)
	assert.Equal(t, "https://a.com/", job.Pages[0].URL)
	assert.Equal(t, 1, job.TotalPages)
	assert.Equal(t, 1, job.CompletedPages)
	assert.Empty(t, job.Assets)
	assert.False(t, job.FinishedAt.IsZero())
	assert.True(t, session.closed)
}

func TestScheduler_BreadthFirstSameHost(t *testing.T) {
	session := &fakeSession{site: site{
		"https://a.com/":  {"/a", "https://other.com/x", "/b"},
		"https://a.com/a": {"/c", "/"},
		"https://a.com/b": {"/a"},
		"https://a.com/c": {},
	}}
	s, jobs, _ := newTestScheduler(&fakeLauncher{session: session})

	id := runJob(t, s, "https://a.com/", Options{MaxPages: 10})

	job, err := jobs.Get(id)
	require.NoError(t, err)
	urls := make([]string, 0, len(job.Pages))
	for _, p := range job.Pages {
		urls = append(urls, p.URL)
	}
	assert.Equal(t, []string{"https://a.com/", "https://a.com/a", "https://a.com/b", "https://a.com/c"}, urls)
	assert.NotContains(t, session.fetched, "https://other.com/x")
	assert.Equal(t, 4, job.TotalPages)
	assert.Equal(t, 100, job.Progress)
}

func TestScheduler_PageFailureIsRecorded(t *testing.T) {
	session := &fakeSession{
		site:   site{"https://a.com/": {"/broken", "/ok"}, "https://a.com/ok": {}},
		broken: map[string]bool{"https://a.com/broken": true},
	}
	s, jobs, _ := newTestScheduler(&fakeLauncher{session: session})

	id := runJob(t, s, "https://a.com/", Options{MaxPages: 5})

	job, err := jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, job.Status)
	assert.Len(t, job.Pages, 2)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, "https://a.com/broken", job.Errors[0].URL)
	assert.Contains(t, job.Errors[0].Error, "navigation failed")
}

func TestScheduler_LaunchFailure(t *testing.T) {
	notifier := &recordingNotifier{}
	s, jobs, _ := newTestScheduler(&fakeLauncher{err: fetcher.ErrLaunch}, WithNotifier(notifier))
	id, err := s.Submit("https://a.com/", Options{MaxPages: 3})
	require.NoError(t, err)

	err = s.Run(context.Background(), id)

	assert.ErrorIs(t, err, model.ErrSchedulerFatal)
	job, err := jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "browser launch failed")
	require.Len(t, notifier.jobs, 1)
	assert.Equal(t, model.StatusFailed, notifier.jobs[0].Status)

	assert.Error(t, s.Run(context.Background(), id), "terminal jobs are not run again")
}

func TestScheduler_AssetPhase(t *testing.T) {
	session := &fakeSession{site: site{
		"https://a.com/":   {"/p2"},
		"https://a.com/p2": {},
	}}
	notifier := &recordingNotifier{}
	s, jobs, assets := newTestScheduler(&fakeLauncher{session: session}, WithNotifier(notifier))

	id := runJob(t, s, "https://a.com/", Options{MaxPages: 5, IncludeAssets: true})

	job, err := jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, job.Status)
	paths := make([]string, 0, len(job.Assets))
	for _, a := range job.Assets {
		paths = append(paths, a.SavePath)
	}
	assert.ElementsMatch(t, []string{
		"a.com/style.css",
		"a.com/logo.png",
	}, paths)
	assert.Empty(t, job.Errors, "asset failures are not page errors")
	assert.Equal(t, 2, job.Summary().TotalAssets)

	calls := map[string]int{}
	for _, c := range assets.calls {
		calls[c]++
	}
	// captured once per page, never again in the asset phase
	assert.Equal(t, 2, calls["https://a.com/style.css"])
	assert.Equal(t, 2, calls["https://a.com/logo.png"])
	// the asset phase retries what the pages could not capture
	assert.Equal(t, 3, calls["https://a.com/missing.png"])
	require.Len(t, notifier.jobs, 1)
	assert.Equal(t, model.StatusCompleted, notifier.jobs[0].Status)

	data, err := archive.NewBuilder().Build(job, archive.Options{})
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.Name == "metadata.json" {
			rc, err := f.Open()
			require.NoError(t, err)
			meta, err := io.ReadAll(rc)
			require.NoError(t, err)
			rc.Close()
			assert.Contains(t, string(meta), `"totalAssets": 2`)
		}
	}
	assert.Contains(t, names, "assets/a.com/style.css")
	assert.Contains(t, names, "assets/a.com/logo.png")
	for _, name := range names {
		assert.NotContains(t, name, "missing.png")
		assert.False(t, strings.HasPrefix(name, "assets/") && strings.HasSuffix(name, ".html"), name)
	}
}

func TestScheduler_InvalidSeed(t *testing.T) {
	s, jobs, _ := newTestScheduler(&fakeLauncher{session: &fakeSession{}})

	for _, seed := range []string{"", "not a url", "ftp://a.com/", "https://", "/relative/path", "http://%zz"} {
		_, err := s.Submit(seed, Options{})
		assert.ErrorIs(t, err, model.ErrInvalidInput, seed)
	}
	assert.Empty(t, jobs.List())
}

func TestScheduler_DefaultMaxPages(t *testing.T) {
	s, jobs, _ := newTestScheduler(&fakeLauncher{session: &fakeSession{}})

	id, err := s.Submit("https://a.com", Options{})
	require.NoError(t, err)

	job, err := jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, job.Status)
	assert.Equal(t, DefaultMaxPages, job.MaxPages)
	assert.Equal(t, DefaultMaxPages, job.TotalPages)
}

func TestScheduler_CancelBetweenPages(t *testing.T) {
	session := &fakeSession{site: site{
		"https://a.com/":   {"/p2", "/p3"},
		"https://a.com/p2": {},
		"https://a.com/p3": {},
	}}
	s, jobs, _ := newTestScheduler(&fakeLauncher{session: session})
	id, err := s.Submit("https://a.com/", Options{MaxPages: 5})
	require.NoError(t, err)
	session.onFetch = func(url string) {
		if url == "https://a.com/p2" {
			require.NoError(t, s.Cancel(id))
		}
	}

	err = s.Run(context.Background(), id)

	assert.ErrorIs(t, err, context.Canceled)
	job, err := jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)
	assert.Equal(t, "job cancelled", job.Error)
	assert.NotContains(t, session.fetched, "https://a.com/p3")
}

func TestScheduler_CancelPendingAndTerminal(t *testing.T) {
	s, jobs, _ := newTestScheduler(&fakeLauncher{session: &fakeSession{}})
	id, err := s.Submit("https://a.com/", Options{})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(id))
	job, err := jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)
	assert.Equal(t, "job cancelled", job.Error)

	require.NoError(t, s.Cancel(id))
	assert.ErrorIs(t, s.Cancel("missing"), model.ErrJobNotFound)
}

func TestScheduler_TerminalStateIsFinal(t *testing.T) {
	session := &fakeSession{site: site{"https://a.com/": {}}}
	notifier := &recordingNotifier{}
	s, jobs, _ := newTestScheduler(&fakeLauncher{session: session}, WithNotifier(notifier))

	done := runJob(t, s, "https://a.com/", Options{MaxPages: 1})
	s.fail(done, cancelledMsg)
	job, err := jobs.Get(done)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, job.Status)
	assert.Empty(t, job.Error)

	cancelled, err := s.Submit("https://a.com/", Options{MaxPages: 1})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(cancelled))
	assert.Error(t, s.Run(context.Background(), cancelled))
	job, err = jobs.Get(cancelled)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)
	assert.Equal(t, "job cancelled", job.Error)

	assert.Len(t, session.fetched, 1)
	require.Len(t, notifier.jobs, 2)
	assert.Equal(t, model.StatusCompleted, notifier.jobs[0].Status)
	assert.Equal(t, model.StatusFailed, notifier.jobs[1].Status)
}

func TestScheduler_CloneRunsInBackground(t *testing.T) {
	session := &fakeSession{site: site{"https://a.com/": {}}}
	s, jobs, _ := newTestScheduler(&fakeLauncher{session: session})

	id, err := s.Clone(context.Background(), "https://a.com/", Options{MaxPages: 2})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		job, err := jobs.Get(id)
		return err == nil && job.Status == model.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	s.Close()
}

func TestScheduler_ProgressIsMonotonic(t *testing.T) {
	session := &fakeSession{site: site{
		"https://a.com/":  {"/1", "/2", "/3"},
		"https://a.com/1": {},
		"https://a.com/2": {},
		"https://a.com/3": {},
	}}
	s, jobs, _ := newTestScheduler(&fakeLauncher{session: session})
	id, err := s.Submit("https://a.com/", Options{MaxPages: 3})
	require.NoError(t, err)
	var observed []int
	session.onFetch = func(string) {
		job, err := jobs.Get(id)
		require.NoError(t, err)
		observed = append(observed, job.Progress)
	}

	require.NoError(t, s.Run(context.Background(), id))

	job, err := jobs.Get(id)
	require.NoError(t, err)
	observed = append(observed, job.Progress)
	assert.IsNonDecreasing(t, observed)
	assert.Equal(t, []int{0, 33, 67, 100}, observed)
	assert.Len(t, job.Pages, 3)
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 0, progress(0, 10))
	assert.Equal(t, 33, progress(1, 3))
	assert.Equal(t, 67, progress(2, 3))
	assert.Equal(t, 100, progress(10, 10))
	assert.Equal(t, 0, progress(1, 0))
}
