package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
	docs map[string][]crawler.Document
	now  func() time.Time
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]crawler.Job),
		docs: make(map[string][]crawler.Document),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return crawler.ErrJobExists
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	return job, nil
}

// UpdateJobStatus moves a job to status. Terminal jobs keep their first
// terminal status so a late completion cannot overwrite a cancellation.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status crawler.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = status
	job.ErrorText = errText
	if status.Terminal() {
		finished := s.now()
		job.Finished = &finished
	}
	s.jobs[jobID] = job
	return nil
}

// AppendDocument records a scraped document and the credits it cost.
func (s *JobStore) AppendDocument(_ context.Context, jobID string, doc crawler.Document, credits int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrJobNotFound
	}
	s.docs[jobID] = append(s.docs[jobID], doc)
	job.Completed++
	if job.Completed > job.Total {
		job.Total = job.Completed
	}
	job.CreditsUsed += credits
	s.jobs[jobID] = job
	return nil
}

// ListDocuments returns a copy of the documents recorded for a job.
func (s *JobStore) ListDocuments(_ context.Context, jobID string) ([]crawler.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, crawler.ErrJobNotFound
	}
	docs := s.docs[jobID]
	out := make([]crawler.Document, len(docs))
	copy(out, docs)
	return out, nil
}
