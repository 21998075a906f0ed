package model

import "time"

type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
)

func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type JobError struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// Job is one clone request and everything accumulated while serving it.
type Job struct {
	ID             string      `json:"id"`
	SeedURL        string      `json:"seed_url"`
	Status         JobStatus   `json:"status"`
	Progress       int         `json:"progress"`
	TotalPages     int         `json:"total_pages"`
	CompletedPages int         `json:"completed_pages"`
	MaxPages       int         `json:"max_pages"`
	IncludeAssets  bool        `json:"include_assets"`
	Pages          []*Page     `json:"pages"`
	Assets         []*Resource `json:"assets"`
	Errors         []JobError  `json:"errors"`
	Error          string      `json:"error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	FinishedAt     time.Time   `json:"finished_at,omitzero"`
}

// Clone copies the job and its slices. Pages and resources are immutable
// once appended, so the pointers are shared.
func (j *Job) Clone() *Job {
	c := *j
	c.Pages = append([]*Page(nil), j.Pages...)
	c.Assets = append([]*Resource(nil), j.Assets...)
	c.Errors = append([]JobError(nil), j.Errors...)
	return &c
}

// JobSummary is the content free view of a job used for status polling.
type JobSummary struct {
	ID             string     `json:"id"`
	SeedURL        string     `json:"seed_url"`
	Status         JobStatus  `json:"status"`
	Progress       int        `json:"progress"`
	TotalPages     int        `json:"total_pages"`
	CompletedPages int        `json:"completed_pages"`
	TotalAssets    int        `json:"total_assets"`
	Errors         []JobError `json:"errors"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (j *Job) Summary() *JobSummary {
	return &JobSummary{
		ID:             j.ID,
		SeedURL:        j.SeedURL,
		Status:         j.Status,
		Progress:       j.Progress,
		TotalPages:     j.TotalPages,
		CompletedPages: j.CompletedPages,
		TotalAssets:    len(j.Assets),
		Errors:         append([]JobError{}, j.Errors...),
		Error:          j.Error,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func (j *Job) Event() *JobEvent {
	return &JobEvent{
		JobID:       j.ID,
		SeedURL:     j.SeedURL,
		Status:      j.Status,
		TotalPages:  len(j.Pages),
		TotalAssets: len(j.Assets),
		Errors:      len(j.Errors),
		Error:       j.Error,
		FinishedAt:  j.FinishedAt,
	}
}
