package cache

import (
	"context"
	"sync"
	"time"

	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
	"github.com/fleetflow/fleetflow/pkg/render"
)

// scopeKey is the job cache key tuple.
type scopeKey struct {
	tenantID    string
	start, end  int64
	groupTagID  string
	reportID    string
	eventRuleID string
}

func keyOf(s render.Scope) scopeKey {
	return scopeKey{
		tenantID:    s.TenantID,
		start:       s.Window.Start.UnixNano(),
		end:         s.Window.End.UnixNano(),
		groupTagID:  s.GroupTagID,
		reportID:    s.ReportID,
		eventRuleID: s.EventRuleID,
	}
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[scopeKey]RenderJob
	jobIDs  map[string]scopeKey
	results map[string]RenderResult
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[scopeKey]RenderJob),
		jobIDs:  make(map[string]scopeKey),
		results: make(map[string]RenderResult),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) GetJob(_ context.Context, scope render.Scope) (*RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[keyOf(scope)]; ok {
		return &job, nil
	}
	return nil, nil
}

func (s *MemoryStore) InsertJob(_ context.Context, job RenderJob) (RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(job.Scope)
	if existing, ok := s.jobs[key]; ok {
		return existing, nil
	}
	if _, ok := s.jobIDs[job.JobID]; ok {
		return RenderJob{}, fferrors.New(fferrors.CodeStorageConflict, "job id already stored for another scope").
			WithContext("job_id", job.JobID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	s.jobs[key] = job
	s.jobIDs[job.JobID] = key
	return job, nil
}

func (s *MemoryStore) GetResult(_ context.Context, jobID string) (*RenderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.results[jobID]; ok {
		return &res, nil
	}
	return nil, nil
}

func (s *MemoryStore) InsertResult(_ context.Context, result RenderResult) (RenderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.results[result.JobID]; ok {
		return existing, nil
	}
	s.results[result.JobID] = result
	return result, nil
}
