package batchq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProcessorFunc processes one dispatched batch for a task type. It receives
// the batch inputs in submission order and must return one output per input,
// in the same order, or an error. An error fails the whole batch; there is
// no partial success.
type ProcessorFunc func(ctx context.Context, inputs [][]byte) ([][]byte, error)

// BatchProcessor is the task-agnostic batch scheduler: it accumulates
// submitted jobs into priority queues, dispatches ready batches to a fixed
// worker pool, caches completed results, and tracks lifecycle and aggregate
// statistics. All methods are safe for concurrent use.
type BatchProcessor struct {
	cfg      *Config
	registry *jobRegistry
	queues   *priorityQueues
	cache    ResultCache
	stats    *statsCollector
	logger   *slog.Logger

	mu         sync.Mutex
	processors map[string]ProcessorFunc
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewBatchProcessor creates a batch processor from the given configuration.
// Invalid configuration fails here, not at first use. cache may be nil; with
// caching enabled a bounded in-memory FIFO cache is created, otherwise the
// supplied implementation (e.g. a BadgerCache) is used. logger may be nil.
func NewBatchProcessor(cfg *Config, cache ResultCache, logger *slog.Logger) (*BatchProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil && cfg.CacheResults {
		cache = NewMemoryCache(cfg.MaxCacheSize)
	}

	cfgCopy := *cfg
	return &BatchProcessor{
		cfg:      &cfgCopy,
		registry: newJobRegistry(),
		queues:   newPriorityQueues(),
		cache:    cache,
		stats:    newStatsCollector(),
		logger:   logger,
	}, nil
}

// Submit registers a new job and returns its identifier.
//
// With caching enabled, a previously completed result for the identical
// (taskType, input) pair short-circuits the queue: the job is created
// already COMPLETED carrying the cached result, and a cache hit is counted.
// Otherwise the job is enqueued on its priority level and a miss is counted.
func (p *BatchProcessor) Submit(ctx context.Context, taskType string, input []byte, priority Priority, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if taskType == "" {
		p.logger.Debug("Submit: error - task type is empty")
		return "", fmt.Errorf("task type is empty")
	}
	if !priority.valid() {
		p.logger.Debug("Submit: error - invalid priority", "priority", int(priority))
		return "", fmt.Errorf("invalid priority: %d", priority)
	}

	now := time.Now()
	job := &Job{
		ID:        uuid.NewString(),
		TaskType:  taskType,
		Input:     copyBytes(input),
		Priority:  priority,
		Status:    JobStatusPending,
		CreatedAt: now,
		Metadata:  copyMetadata(metadata),
	}
	p.logger.Debug("Submit", "jobID", job.ID, "taskType", taskType, "priority", priority.String())

	if p.cfg.CacheResults && p.cache != nil {
		key := cacheKey(taskType, input)
		result, hit, err := p.cache.Get(ctx, key)
		if err != nil {
			// Cache trouble degrades to a miss, never to a submit failure.
			p.logger.Warn("Submit: cache lookup failed", "jobID", job.ID, "key", key, "error", err)
		}
		if hit {
			job.Status = JobStatusCompleted
			job.Result = result
			started := now
			job.StartedAt = &started
			completed := now
			job.CompletedAt = &completed
			if err := p.registry.add(job); err != nil {
				return "", err
			}
			p.stats.recordCacheHit()
			p.logger.Debug("Submit: cache hit", "jobID", job.ID, "taskType", taskType, "key", key)
			return job.ID, nil
		}
		p.stats.recordCacheMiss()
	}

	if err := p.registry.add(job); err != nil {
		return "", err
	}
	// The job must reach QUEUED before workers can see it: markProcessing
	// only accepts queued jobs, so enqueueing a still-PENDING job would let a
	// fast dispatch skip it.
	if err := p.registry.transition(job.ID, JobStatusQueued); err != nil {
		return "", err
	}
	p.queues.enqueue(job)
	p.logger.Debug("Submit: queued", "jobID", job.ID, "taskType", taskType, "priority", priority.String(), "queueDepth", p.queues.depth(taskType))

	return job.ID, nil
}

// SubmitBatch submits multiple inputs for one task type, preserving input
// order in the returned job IDs. It is equivalent to repeated Submit calls.
func (p *BatchProcessor) SubmitBatch(ctx context.Context, taskType string, inputs [][]byte, priority Priority) ([]string, error) {
	p.logger.Debug("SubmitBatch", "taskType", taskType, "count", len(inputs))
	jobIDs := make([]string, 0, len(inputs))
	for _, input := range inputs {
		jobID, err := p.Submit(ctx, taskType, input, priority, nil)
		if err != nil {
			return jobIDs, err
		}
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs, nil
}

// GetJob retrieves a clone of the job record by ID.
func (p *BatchProcessor) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	job, err := p.registry.get(jobID)
	if err != nil {
		p.logger.Debug("GetJob: error", "jobID", jobID, "error", err)
		return nil, err
	}
	p.logger.Debug("GetJob", "jobID", jobID, "status", job.Status)
	return job, nil
}

// GetResult returns the stored result for a completed job.
//
// done reports whether the job reached a terminal state: a completed job
// yields (result, true, nil), a failed job (nil, true, descriptive error),
// and a job still pending, queued or processing (nil, false, nil). There is
// no blocking wait; callers poll or build their own notification layer.
func (p *BatchProcessor) GetResult(ctx context.Context, jobID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	job, err := p.registry.get(jobID)
	if err != nil {
		p.logger.Debug("GetResult: error", "jobID", jobID, "error", err)
		return nil, false, err
	}

	switch job.Status {
	case JobStatusCompleted:
		p.logger.Debug("GetResult: completed", "jobID", jobID)
		return job.Result, true, nil
	case JobStatusFailed:
		p.logger.Debug("GetResult: failed", "jobID", jobID, "errorMessage", job.ErrorMessage)
		return nil, true, fmt.Errorf("job %s failed: %s", jobID, job.ErrorMessage)
	default:
		p.logger.Debug("GetResult: no result yet", "jobID", jobID, "status", job.Status)
		return nil, false, nil
	}
}

// GetStats returns a point-in-time aggregate over the registry, the batch
// counters, and the cache.
func (p *BatchProcessor) GetStats(ctx context.Context) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	stats.TotalJobs, stats.CompletedJobs, stats.FailedJobs, stats.PendingJobs = p.registry.counts()
	p.stats.fill(stats)

	if p.cache != nil {
		size, err := p.cache.Len(ctx)
		if err != nil {
			p.logger.Warn("GetStats: cache size unavailable", "error", err)
		} else {
			stats.CacheSize = size
		}
	}

	p.logger.Debug("GetStats",
		"totalJobs", stats.TotalJobs,
		"completedJobs", stats.CompletedJobs,
		"failedJobs", stats.FailedJobs,
		"pendingJobs", stats.PendingJobs,
		"batchesProcessed", stats.BatchesProcessed,
		"cacheSize", stats.CacheSize)
	return stats, nil
}

// ClearCache evicts all cache entries and resets the hit/miss counters.
// Queued and in-flight jobs are unaffected.
func (p *BatchProcessor) ClearCache(ctx context.Context) error {
	if p.cache == nil {
		p.logger.Debug("ClearCache: no cache configured")
		return nil
	}
	if err := p.cache.Clear(ctx); err != nil {
		p.logger.Debug("ClearCache: error", "error", err)
		return err
	}
	p.stats.resetCacheCounters()
	p.logger.Debug("ClearCache: cleared")
	return nil
}

// Close stops the workers if running and closes the cache.
func (p *BatchProcessor) Close() error {
	p.StopWorkers()
	if p.cache != nil {
		return p.cache.Close()
	}
	return nil
}
