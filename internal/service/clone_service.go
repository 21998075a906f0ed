package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/IliaW/site-cloner/internal/archive"
	"github.com/IliaW/site-cloner/internal/aws_s3"
	"github.com/IliaW/site-cloner/internal/model"
	"github.com/IliaW/site-cloner/internal/persistence"
	"github.com/IliaW/site-cloner/internal/scheduler"
	"github.com/IliaW/site-cloner/internal/store"
	"github.com/IliaW/site-cloner/internal/telemetry"
)

const uploadTimeout = 2 * time.Minute

// CloneService is the entry point for clone requests coming from http and
// kafka. It also acts on finished jobs: metadata goes to the database, the
// archive to s3 and an event to kafka, each only when configured.
type CloneService struct {
	scheduler *scheduler.Scheduler
	jobs      *store.JobStore
	builder   *archive.Builder
	metrics   *telemetry.CrawlMetrics

	archiveOpts archive.Options
	repo        persistence.JobStorage
	bucket      aws_s3.BucketClient
	events      chan<- *model.JobEvent
}

type Option func(*CloneService)

func WithMetrics(m *telemetry.CrawlMetrics) Option {
	return func(s *CloneService) {
		s.metrics = m
	}
}

func WithJobStorage(repo persistence.JobStorage) Option {
	return func(s *CloneService) {
		s.repo = repo
	}
}

// WithArchiveUpload uploads the archive of every completed job, built with opts.
func WithArchiveUpload(bucket aws_s3.BucketClient, opts archive.Options) Option {
	return func(s *CloneService) {
		s.bucket = bucket
		s.archiveOpts = opts
	}
}

// WithEvents publishes a JobEvent per finished job. The channel must stay
// open until Close returns.
func WithEvents(events chan<- *model.JobEvent) Option {
	return func(s *CloneService) {
		s.events = events
	}
}

func NewCloneService(sch *scheduler.Scheduler, jobs *store.JobStore, builder *archive.Builder,
	opts ...Option) *CloneService {
	s := &CloneService{
		scheduler: sch,
		jobs:      jobs,
		builder:   builder,
		metrics:   telemetry.NoopCrawlMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	sch.AddNotifier(s)
	return s
}

// StartClone validates the seed and starts crawling it in the background.
func (s *CloneService) StartClone(ctx context.Context, seed string, opts scheduler.Options) (string, error) {
	return s.scheduler.Clone(ctx, seed, opts)
}

func (s *CloneService) GetJob(id string) (*model.Job, error) {
	return s.jobs.Get(id)
}

func (s *CloneService) Summary(id string) (*model.JobSummary, error) {
	job, err := s.jobs.Get(id)
	if err != nil {
		return nil, err
	}
	return job.Summary(), nil
}

func (s *CloneService) ListJobs() []*model.JobSummary {
	return s.jobs.List()
}

func (s *CloneService) CancelJob(id string) error {
	return s.scheduler.Cancel(id)
}

// BuildArchive returns the zip of a completed job and its download name.
func (s *CloneService) BuildArchive(id string, opts archive.Options) ([]byte, string, error) {
	job, err := s.jobs.Get(id)
	if err != nil {
		return nil, "", err
	}
	data, err := s.builder.Build(job, opts)
	if err != nil {
		return nil, "", err
	}
	s.metrics.ArchivesBuiltCnt(1)
	slog.Info("archive built.", slog.String("job_id", id), slog.Int("bytes", len(data)))

	return data, archive.Filename(job), nil
}

// JobFinished runs the configured hooks for a job in a terminal state.
// Failures are logged and never change the job.
func (s *CloneService) JobFinished(job *model.Job) {
	var archiveKey string
	if s.bucket != nil && job.Status == model.StatusCompleted {
		archiveKey = s.upload(job)
	}
	if s.repo != nil {
		s.repo.Save(job, archiveKey)
	}
	if s.events != nil {
		event := job.Event()
		event.ArchiveKey = archiveKey
		s.events <- event
	}
}

func (s *CloneService) upload(job *model.Job) string {
	data, err := s.builder.Build(job, s.archiveOpts)
	if err != nil {
		slog.Error("failed to build archive for upload.", slog.String("job_id", job.ID),
			slog.String("err", err.Error()))
		return ""
	}
	s.metrics.ArchivesBuiltCnt(1)

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()
	key, err := s.bucket.WriteArchive(ctx, job.SeedURL, job.ID, archive.Filename(job), data)
	if err != nil {
		return ""
	}
	return key
}

// Close cancels running jobs and waits for their hooks to finish.
func (s *CloneService) Close() {
	s.scheduler.Close()
}
