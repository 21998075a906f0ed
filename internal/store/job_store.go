package store

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/IliaW/site-cloner/internal/model"
)

// JobStore holds every job of the process. Readers get copies; the
// scheduler mutates jobs only through Update.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*model.Job)}
}

func (s *JobStore) Put(job *model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
}

func (s *JobStore) Get(id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// Update applies fn to the stored job under the write lock.
func (s *JobStore) Update(id string, fn func(*model.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrJobNotFound, id)
	}
	fn(job)
	return nil
}

// List returns summaries of all jobs, newest first.
func (s *JobStore) List() []*model.JobSummary {
	s.mu.RLock()
	summaries := make([]*model.JobSummary, 0, len(s.jobs))
	for _, job := range s.jobs {
		summaries = append(summaries, job.Summary())
	}
	s.mu.RUnlock()

	slices.SortFunc(summaries, func(a, b *model.JobSummary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return summaries
}
