package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryStore はプロセス内にジョブ状態を保持します。
// QUEUE_BACKEND=local の場合とテストで使用します。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	// courses はコースIDから実行中のジョブIDへの対応です。
	courses map[string]string
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*Job),
		courses: make(map[string]string),
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.JobID == "" {
		return errors.New("job with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpired()
	if _, ok := s.jobs[job.JobID]; ok {
		return fmt.Errorf("job %s already exists", job.JobID)
	}
	if job.CourseID != "" {
		if holder, ok := s.jobs[s.courses[job.CourseID]]; ok && !holder.Status.Terminal() {
			return ErrCourseBusy
		}
		s.courses[job.CourseID] = job.JobID
	}
	prepareNew(job, s.now(), s.ttl)
	s.jobs[job.JobID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok || s.expired(job) {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, jobID string) error {
	return s.update(jobID, func(job *Job, now time.Time) error {
		return applyProcessing(job, now)
	})
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, jobID string, phase Phase, percent int) error {
	return s.update(jobID, func(job *Job, now time.Time) error {
		return applyProgress(job, phase, percent, now)
	})
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, jobID string) error {
	return s.update(jobID, func(job *Job, now time.Time) error {
		return applyCompleted(job, now)
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, jobID string, info ErrorInfo) error {
	return s.update(jobID, func(job *Job, now time.Time) error {
		return applyFailed(job, info, now)
	})
}

func (s *MemoryStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		s.releaseCourse(job)
	}
	delete(s.jobs, jobID)
	return nil
}

func (s *MemoryStore) releaseCourse(job *Job) {
	if job.CourseID != "" && s.courses[job.CourseID] == job.JobID {
		delete(s.courses, job.CourseID)
	}
}

// update は変更をコピーに適用し、成功した場合のみ反映します。
func (s *MemoryStore) update(jobID string, mutate func(*Job, time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || s.expired(job) {
		return ErrJobNotFound
	}
	next := job.Clone()
	now := s.now()
	if err := mutate(next, now); err != nil {
		return err
	}
	if s.ttl > 0 {
		next.ExpiresAt = now.Add(s.ttl)
	}
	s.jobs[jobID] = next
	if next.Status.Terminal() {
		s.releaseCourse(next)
	}
	return nil
}

func (s *MemoryStore) expired(job *Job) bool {
	return s.ttl > 0 && !job.ExpiresAt.IsZero() && s.now().After(job.ExpiresAt)
}

func (s *MemoryStore) evictExpired() {
	for id, job := range s.jobs {
		if s.expired(job) {
			s.releaseCourse(job)
			delete(s.jobs, id)
		}
	}
}
