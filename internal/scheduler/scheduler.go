package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/IliaW/site-cloner/internal/collector"
	"github.com/IliaW/site-cloner/internal/fetcher"
	"github.com/IliaW/site-cloner/internal/model"
	"github.com/IliaW/site-cloner/internal/resolver"
	"github.com/IliaW/site-cloner/internal/store"
	"github.com/IliaW/site-cloner/internal/telemetry"
	"github.com/google/uuid"
)

const (
	DefaultMaxPages = 10
	cancelledMsg    = "job cancelled"
)

type Options struct {
	MaxPages      int
	IncludeAssets bool
}

type IDGenerator func() string

// Notifier is told about every job that reached a terminal state.
type Notifier interface {
	JobFinished(job *model.Job)
}

type Scheduler struct {
	store     *store.JobStore
	launcher  fetcher.Launcher
	collector *collector.Collector
	metrics   *telemetry.CrawlMetrics
	newID     IDGenerator
	now       func() time.Time
	notifiers []Notifier

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Scheduler)

func WithIDGenerator(gen IDGenerator) Option {
	return func(s *Scheduler) {
		s.newID = gen
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithMetrics(m *telemetry.CrawlMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) {
		s.notifiers = append(s.notifiers, n)
	}
}

func New(jobs *store.JobStore, launcher fetcher.Launcher, c *collector.Collector, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     jobs,
		launcher:  launcher,
		collector: c,
		metrics:   telemetry.NoopCrawlMetrics(),
		newID:     uuid.NewString,
		now:       time.Now,
		running:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddNotifier registers n for jobs that finish from now on.
func (s *Scheduler) AddNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

// Submit validates the seed and stores a PENDING job. Nothing is stored for
// an invalid seed.
func (s *Scheduler) Submit(seed string, opts Options) (string, error) {
	if err := ValidateSeed(seed); err != nil {
		return "", err
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	now := s.now()
	job := &model.Job{
		ID:            s.newID(),
		SeedURL:       seed,
		Status:        model.StatusPending,
		MaxPages:      opts.MaxPages,
		IncludeAssets: opts.IncludeAssets,
		TotalPages:    opts.MaxPages,
		Pages:         []*model.Page{},
		Assets:        []*model.Resource{},
		Errors:        []model.JobError{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.store.Put(job)
	slog.Info("clone job submitted.", slog.String("job_id", job.ID), slog.String("url", seed),
		slog.Int("max_pages", opts.MaxPages), slog.Bool("include_assets", opts.IncludeAssets))

	return job.ID, nil
}

// Clone submits a job and runs it in the background.
func (s *Scheduler) Clone(ctx context.Context, seed string, opts Options) (string, error) {
	id, err := s.Submit(seed, opts)
	if err != nil {
		return "", err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.register(id, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(runCtx, id); err != nil {
			slog.Error("clone job failed.", slog.String("job_id", id), slog.String("err", err.Error()))
		}
	}()

	return id, nil
}

// Run executes a PENDING job synchronously.
func (s *Scheduler) Run(ctx context.Context, jobID string) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.register(jobID, cancel)
	return s.run(runCtx, jobID)
}

// Cancel stops a job between two pages. Terminal jobs are left untouched.
func (s *Scheduler) Cancel(jobID string) error {
	job, err := s.store.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	s.mu.Lock()
	cancel, ok := s.running[jobID]
	s.mu.Unlock()
	if ok {
		slog.Info("cancelling clone job.", slog.String("job_id", jobID))
		cancel()
		return nil
	}
	if job.Status == model.StatusPending {
		s.fail(jobID, cancelledMsg)
	}
	return nil
}

// Close cancels running jobs and waits for background jobs to stop.
func (s *Scheduler) Close() {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) register(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[jobID] = cancel
}

func (s *Scheduler) unregister(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[jobID]; ok {
		cancel()
		delete(s.running, jobID)
	}
}

func (s *Scheduler) run(ctx context.Context, jobID string) error {
	defer s.unregister(jobID)

	job, err := s.start(jobID)
	if err != nil {
		return err
	}
	s.metrics.JobsStartedCnt(1)
	slog.Info("clone job started.", slog.String("job_id", jobID), slog.String("url", job.SeedURL))

	session, err := s.launcher.Launch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.fail(jobID, cancelledMsg)
			return ctx.Err()
		}
		s.fail(jobID, err.Error())
		return fmt.Errorf("%w: %w", model.ErrSchedulerFatal, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Warn("failed to close fetch session.", slog.String("err", err.Error()))
		}
	}()

	resources, err := s.crawl(ctx, job, session)
	if err != nil {
		s.fail(jobID, cancelledMsg)
		return err
	}

	if job.IncludeAssets {
		resources = append(resources, s.downloadAssets(ctx, jobID, resources)...)
	}
	if ctx.Err() != nil {
		s.fail(jobID, cancelledMsg)
		return ctx.Err()
	}
	assets := resolver.Dedupe(withoutPages(resources, s.pageURLs(jobID)))

	completed := false
	s.update(jobID, func(j *model.Job) {
		if j.Status.IsTerminal() {
			return
		}
		completed = true
		j.Assets = make([]*model.Resource, 0, len(assets))
		for i := range assets {
			j.Assets = append(j.Assets, &assets[i])
		}
		j.Status = model.StatusCompleted
		j.Progress = 100
		j.TotalPages = len(j.Pages)
		j.FinishedAt = s.now()
	})
	if !completed {
		return fmt.Errorf("job %s finished elsewhere", jobID)
	}
	s.metrics.JobsCompletedCnt(1)
	done, _ := s.store.Get(jobID)
	slog.Info("clone job completed.", slog.String("job_id", jobID), slog.Int("pages", len(done.Pages)),
		slog.Int("assets", len(done.Assets)), slog.Int("errors", len(done.Errors)))
	s.notify(done)

	return nil
}

// start moves a PENDING job to RUNNING and returns its snapshot. Jobs in any
// other state are refused.
func (s *Scheduler) start(jobID string) (*model.Job, error) {
	var job *model.Job
	err := s.store.Update(jobID, func(j *model.Job) {
		if j.Status != model.StatusPending {
			return
		}
		j.Status = model.StatusRunning
		j.TotalPages = j.MaxPages
		j.UpdatedAt = s.now()
		job = j.Clone()
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		current, err := s.store.Get(jobID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("job %s is %s, only pending jobs can run", jobID, current.Status)
	}
	return job, nil
}

// crawl visits pages breadth first from the seed and returns the resources
// captured while loading them. It only fails when ctx is done.
func (s *Scheduler) crawl(ctx context.Context, job *model.Job, pages fetcher.PageFetcher) ([]model.Resource, error) {
	seed, _ := url.Parse(job.SeedURL)
	frontier := []string{job.SeedURL}
	queued := map[string]bool{job.SeedURL: true}
	visited := make(map[string]bool)
	crawled := 0
	var resources []model.Resource

	for len(frontier) > 0 && crawled < job.MaxPages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current := frontier[0]
		frontier = frontier[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		slog.Debug("crawling page.", slog.String("job_id", job.ID), slog.String("url", current))
		page, pageResources, err := s.collector.Collect(ctx, current, pages,
			collector.Options{Resources: job.IncludeAssets})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("failed to crawl page.", slog.String("job_id", job.ID), slog.String("url", current),
				slog.String("err", err.Error()))
			s.metrics.PageErrorsCnt(1)
			s.update(job.ID, func(j *model.Job) {
				j.Errors = append(j.Errors, model.JobError{URL: current, Error: err.Error()})
			})
			continue
		}
		crawled++
		resources = append(resources, pageResources...)
		s.metrics.PagesCrawledCnt(1)
		s.update(job.ID, func(j *model.Job) {
			j.Pages = append(j.Pages, page)
			j.CompletedPages = crawled
			j.Progress = progress(crawled, j.MaxPages)
		})

		for _, link := range page.Links {
			if len(frontier) >= job.MaxPages {
				break
			}
			if visited[link] || queued[link] || !sameHost(seed, link) {
				continue
			}
			queued[link] = true
			frontier = append(frontier, link)
		}
	}

	return resources, nil
}

// downloadAssets fetches image, stylesheet and script urls of all crawled
// pages that were not captured while the pages loaded.
func (s *Scheduler) downloadAssets(ctx context.Context, jobID string, captured []model.Resource) []model.Resource {
	job, err := s.store.Get(jobID)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool, len(captured))
	for _, r := range captured {
		seen[r.URL] = true
	}
	var urls []string
	for _, p := range job.Pages {
		for _, u := range p.AssetURLs() {
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}
	if len(urls) == 0 {
		return nil
	}

	slog.Info("downloading assets.", slog.String("job_id", jobID), slog.Int("count", len(urls)))
	downloaded := s.collector.Download(ctx, urls)
	s.metrics.AssetsDownloadedCnt(int64(len(downloaded)))
	if failed := len(urls) - len(downloaded); failed > 0 {
		slog.Warn("some assets could not be downloaded.", slog.String("job_id", jobID),
			slog.Int("failed", failed))
		s.metrics.AssetErrorsCnt(int64(failed))
	}
	return downloaded
}

func (s *Scheduler) pageURLs(jobID string) map[string]bool {
	urls := make(map[string]bool)
	job, err := s.store.Get(jobID)
	if err != nil {
		return urls
	}
	for _, p := range job.Pages {
		urls[p.URL] = true
	}
	return urls
}

// withoutPages drops the html documents of crawled pages, which are archived
// as pages rather than assets.
func withoutPages(resources []model.Resource, pages map[string]bool) []model.Resource {
	kept := make([]model.Resource, 0, len(resources))
	for _, r := range resources {
		if pages[r.URL] || pages[strings.TrimSuffix(r.URL, "/")] || pages[r.URL+"/"] {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

func (s *Scheduler) update(jobID string, fn func(*model.Job)) {
	err := s.store.Update(jobID, func(j *model.Job) {
		fn(j)
		j.UpdatedAt = s.now()
	})
	if err != nil {
		slog.Error("failed to update job.", slog.String("job_id", jobID), slog.String("err", err.Error()))
	}
}

// fail marks the job FAILED. A job that already reached a terminal state
// keeps it.
func (s *Scheduler) fail(jobID, msg string) {
	failed := false
	s.update(jobID, func(j *model.Job) {
		if j.Status.IsTerminal() {
			return
		}
		failed = true
		j.Status = model.StatusFailed
		j.Error = msg
		j.FinishedAt = s.now()
	})
	if !failed {
		return
	}
	s.metrics.JobsFailedCnt(1)
	slog.Error("clone job failed.", slog.String("job_id", jobID), slog.String("err", msg))
	if job, err := s.store.Get(jobID); err == nil {
		s.notify(job)
	}
}

func (s *Scheduler) notify(job *model.Job) {
	s.mu.Lock()
	notifiers := append([]Notifier(nil), s.notifiers...)
	s.mu.Unlock()
	for _, n := range notifiers {
		n.JobFinished(job)
	}
}

// ValidateSeed accepts absolute http and https urls with a host.
func ValidateSeed(seed string) error {
	u, err := url.Parse(seed)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidInput, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", model.ErrInvalidInput, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host in %q", model.ErrInvalidInput, seed)
	}
	return nil
}

func sameHost(seed *url.URL, link string) bool {
	u, err := url.Parse(link)
	return err == nil && u.Hostname() == seed.Hostname()
}

func progress(completed, maxPages int) int {
	if maxPages <= 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(maxPages) * 100))
}
