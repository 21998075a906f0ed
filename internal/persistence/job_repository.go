package persistence

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/IliaW/site-cloner/internal"
	"github.com/IliaW/site-cloner/internal/model"
)

// JobStorage records finished jobs. The rows are informational and are never
// read back to resume a job.
type JobStorage interface {
	Save(job *model.Job, archiveKey string)
}

type JobRepository struct {
	db      *sql.DB
	version string
}

func NewJobRepository(db *sql.DB, version string) *JobRepository {
	return &JobRepository{db: db, version: version}
}

func (jr *JobRepository) Save(job *model.Job, archiveKey string) {
	_, err := jr.db.Exec(`INSERT INTO site_cloner.job_metadata
    (job_id, seed_url_hash, seed_url, status, total_pages, total_assets, page_errors, error, archive_key,
     created_at, finished_at, timestamp, worker_version)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (job_id) DO UPDATE
	SET status = EXCLUDED.status,
	    total_pages = EXCLUDED.total_pages,
	    total_assets = EXCLUDED.total_assets,
	    page_errors = EXCLUDED.page_errors,
	    error = EXCLUDED.error,
	    archive_key = EXCLUDED.archive_key,
	    finished_at = EXCLUDED.finished_at,
	    timestamp = EXCLUDED.timestamp,
	    worker_version = EXCLUDED.worker_version;`,
		job.ID,
		internal.HashURL(job.SeedURL),
		job.SeedURL,
		string(job.Status),
		len(job.Pages),
		len(job.Assets),
		len(job.Errors),
		job.Error,
		archiveKey,
		job.CreatedAt.UTC(),
		job.FinishedAt.UTC(),
		time.Now().UTC(),
		jr.version)
	if err != nil {
		slog.Error("failed to save job metadata to database.", slog.String("job_id", job.ID),
			slog.String("err", err.Error()))
		return
	}
	slog.Debug("job metadata saved to db.", slog.String("job_id", job.ID))
}
