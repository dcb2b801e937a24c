package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"transcription-jobs/internal/apperrors"
	"transcription-jobs/internal/models"
)

// Memory is an in-process Store. Records are copied on the way in and out so
// callers never share pointers with the table.
type Memory struct {
	mu         sync.RWMutex
	jobs       map[string]models.Job
	byExternal map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[string]models.Job),
		byExternal: make(map[string]string),
	}
}

func (m *Memory) Create(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return apperrors.Conflict("job", "job "+job.ID+" already exists")
	}
	if job.ExternalJobID != "" {
		if _, ok := m.byExternal[job.ExternalJobID]; ok {
			return apperrors.Conflict("job", "external job id "+job.ExternalJobID+" already assigned")
		}
		m.byExternal[job.ExternalJobID] = job.ID
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, apperrors.NotFound("job", id)
	}
	return cloneJob(job), nil
}

func (m *Memory) GetByExternalID(_ context.Context, externalJobID string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byExternal[externalJobID]
	if !ok {
		return models.Job{}, apperrors.NotFound("external job", externalJobID)
	}
	return cloneJob(m.jobs[id]), nil
}

func (m *Memory) CompareAndSwap(_ context.Context, next models.Job, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[next.ID]
	if !ok {
		return false, apperrors.NotFound("job", next.ID)
	}
	if cur.Version != expectedVersion {
		return false, nil
	}
	if next.ExternalJobID != cur.ExternalJobID {
		if owner, taken := m.byExternal[next.ExternalJobID]; taken && owner != next.ID {
			return false, apperrors.Conflict("job", "external job id "+next.ExternalJobID+" already assigned")
		}
		if cur.ExternalJobID != "" {
			delete(m.byExternal, cur.ExternalJobID)
		}
		if next.ExternalJobID != "" {
			m.byExternal[next.ExternalJobID] = next.ID
		}
	}
	stored := cloneJob(next)
	stored.CreatedAt = cur.CreatedAt
	stored.MediaRef = cur.MediaRef
	stored.Version = expectedVersion + 1
	m.jobs[next.ID] = stored
	return true, nil
}

func (m *Memory) ListByStatus(_ context.Context, status models.Status, before time.Time, limit int) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Job, 0)
	for _, j := range m.jobs {
		if j.Status != status || enteredAt(j).After(before) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		return enteredAt(out[i]).Before(enteredAt(out[k]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

func cloneJob(j models.Job) models.Job {
	c := j
	c.LastRetryAt = cloneTime(j.LastRetryAt)
	c.NextRetryAt = cloneTime(j.NextRetryAt)
	c.SubmittedAt = cloneTime(j.SubmittedAt)
	c.LeaseUntil = cloneTime(j.LeaseUntil)
	c.CompletedAt = cloneTime(j.CompletedAt)
	if j.Result != nil {
		r := *j.Result
		if j.Result.Segments != nil {
			r.Segments = append([]models.Segment(nil), j.Result.Segments...)
		}
		c.Result = &r
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Store = (*Memory)(nil)
