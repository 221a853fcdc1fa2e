// Package batchq provides an in-process batch-processing job queue: submitted
// work items are accumulated into dynamically-sized batches, dispatched by
// priority to a fixed worker pool, and their results cached and tracked.
//
// The library supports:
//   - Per-task-type processor functions as the sole extension point
//   - Four priority levels with FIFO ordering inside each level
//   - Batch dispatch by fill level, wait time, or priority
//   - Pluggable result caches (in-memory, BadgerDB, optional SQLite)
//   - Job lifecycle tracking and aggregate statistics
//
// Example usage:
//
//	cfg := batchq.DefaultConfig()
//	bp, _ := batchq.NewBatchProcessor(cfg, nil, logger)
//	bp.StartWorkers(ctx, map[string]batchq.ProcessorFunc{
//	    "sentiment": scoreSentiment,
//	})
//	defer bp.StopWorkers()
//
//	jobID, _ := bp.Submit(ctx, "sentiment", []byte("text"), batchq.PriorityNormal, nil)
package batchq

import (
	"time"
)

// JobStatus represents the lifecycle state of a job.
// Transitions are one-directional; completed and failed are terminal.
type JobStatus string

const (
	// JobStatusPending indicates the job record exists but is not yet queued.
	JobStatusPending JobStatus = "pending"
	// JobStatusQueued indicates the job is waiting in a priority queue.
	JobStatusQueued JobStatus = "queued"
	// JobStatusProcessing indicates the job is part of a dispatched batch.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job's batch failed.
	JobStatusFailed JobStatus = "failed"
)

// Priority governs dispatch preference. Higher levels are examined first on
// every scheduling attempt; HIGH and URGENT batches dispatch immediately.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent

	numPriorities = 4
)

// String returns the lower-case name of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// valid reports whether p is one of the four defined levels.
func (p Priority) valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// Job represents one unit of submitted work.
type Job struct {
	ID           string            // Unique job identifier
	TaskType     string            // Task type tag, selects the processor
	Input        []byte            // Serialized input payload
	Priority     Priority          // Dispatch preference
	Status       JobStatus         // Current lifecycle state
	CreatedAt    time.Time         // When the job was submitted
	StartedAt    *time.Time        // When the batch started processing (nil if not started)
	CompletedAt  *time.Time        // When the job reached a terminal state (nil otherwise)
	Result       []byte            // Serialized result (if completed)
	ErrorMessage string            // Error message if the job failed
	Metadata     map[string]string // Caller-supplied metadata, opaque to the queue
}

// Stats is a point-in-time aggregate over the job registry, the batch
// counters, and the result cache.
type Stats struct {
	TotalJobs        int     // All jobs ever submitted and still registered
	CompletedJobs    int     // Jobs in COMPLETED state (includes cache hits)
	FailedJobs       int     // Jobs in FAILED state
	PendingJobs      int     // Jobs in PENDING, QUEUED or PROCESSING state
	BatchesProcessed int64   // Batches dispatched to a processor
	AvgBatchSize     float64 // Running average size of dispatched batches
	Throughput       float64 // Batch-completed jobs per second of processing time
	CacheHits        int64   // Submissions answered from the cache
	CacheMisses      int64   // Submissions that had to be queued (cache enabled)
	CacheHitRate     float64 // hits / (hits + misses), 0 when no lookups
	CacheSize        int     // Entries currently in the cache
}
