package model

import "time"

// CloneTask is a clone request received from the message broker.
type CloneTask struct {
	URL           string `json:"url"`
	MaxPages      int    `json:"max_pages"`
	IncludeAssets *bool  `json:"include_assets,omitempty"`
}

// JobEvent is published once a job reaches a terminal state.
type JobEvent struct {
	JobID       string    `json:"job_id"`
	SeedURL     string    `json:"seed_url"`
	Status      JobStatus `json:"status"`
	TotalPages  int       `json:"total_pages"`
	TotalAssets int       `json:"total_assets"`
	Errors      int       `json:"errors"`
	Error       string    `json:"error,omitempty"`
	ArchiveKey  string    `json:"archive_key,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}
