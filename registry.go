package batchq

import (
	"fmt"
	"sync"
	"time"
)

// jobRegistry holds every submitted job by identifier and enforces the
// one-directional status machine. Records are retained until externally
// purged; terminal records are immutable.
type jobRegistry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{
		jobs: make(map[string]*Job),
	}
}

// add stores a new job record. The registry owns the stored copy.
func (r *jobRegistry) add(job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job ID is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("job already exists: %s", job.ID)
	}
	r.jobs[job.ID] = job
	return nil
}

// get returns a clone of the job record.
func (r *jobRegistry) get(jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	job, exists := r.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return cloneJob(job), nil
}

// transition moves a job to the next status. Invalid transitions error and
// leave the record untouched, so terminal records can never be rewritten.
func (r *jobRegistry) transition(jobID string, target JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, exists := r.jobs[jobID]
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if !isValidTransition(job.Status, target) {
		return fmt.Errorf("invalid transition from %s to %s for job %s", job.Status, target, jobID)
	}
	job.Status = target
	return nil
}

// markProcessing transitions every job in a dispatched batch to PROCESSING
// with the given start time. It returns the IDs it could not transition, so
// the caller can surface a batch that dispatched in an unexpected state.
func (r *jobRegistry) markProcessing(jobIDs []string, startedAt time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var skipped []string
	for _, jobID := range jobIDs {
		job, exists := r.jobs[jobID]
		if !exists || !isValidTransition(job.Status, JobStatusProcessing) {
			skipped = append(skipped, jobID)
			continue
		}
		job.Status = JobStatusProcessing
		started := startedAt
		job.StartedAt = &started
	}
	return skipped
}

// complete transitions a job to COMPLETED with its result.
func (r *jobRegistry) complete(jobID string, result []byte, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, exists := r.jobs[jobID]
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if !isValidTransition(job.Status, JobStatusCompleted) {
		return fmt.Errorf("invalid transition from %s to %s for job %s", job.Status, JobStatusCompleted, jobID)
	}
	job.Status = JobStatusCompleted
	job.Result = copyBytes(result)
	finished := completedAt
	job.CompletedAt = &finished
	return nil
}

// fail transitions a job to FAILED with the captured error message.
func (r *jobRegistry) fail(jobID string, errorMsg string, completedAt time.Time) error {
	if errorMsg == "" {
		return fmt.Errorf("error message is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	job, exists := r.jobs[jobID]
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if !isValidTransition(job.Status, JobStatusFailed) {
		return fmt.Errorf("invalid transition from %s to %s for job %s", job.Status, JobStatusFailed, jobID)
	}
	job.Status = JobStatusFailed
	job.ErrorMessage = errorMsg
	finished := completedAt
	job.CompletedAt = &finished
	return nil
}

// counts returns the number of jobs per aggregate bucket.
func (r *jobRegistry) counts() (total, completed, failed, pending int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, job := range r.jobs {
		total++
		switch job.Status {
		case JobStatusCompleted:
			completed++
		case JobStatusFailed:
			failed++
		default:
			pending++
		}
	}
	return total, completed, failed, pending
}

func isValidTransition(current, target JobStatus) bool {
	switch current {
	case JobStatusPending:
		return target == JobStatusQueued
	case JobStatusQueued:
		return target == JobStatusProcessing || target == JobStatusFailed
	case JobStatusProcessing:
		return target == JobStatusCompleted || target == JobStatusFailed
	case JobStatusCompleted, JobStatusFailed:
		return false
	default:
		return false
	}
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.Input = copyBytes(job.Input)
	clone.Result = copyBytes(job.Result)
	clone.Metadata = copyMetadata(job.Metadata)
	clone.StartedAt = copyTimePtr(job.StartedAt)
	clone.CompletedAt = copyTimePtr(job.CompletedAt)
	return &clone
}

func copyMetadata(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	val := *t
	return &val
}
