package batchq

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// StartWorkers starts the fixed worker pool. processors associates each task
// type with its batch function; the map is copied and cannot be changed
// while the pool runs. Workers repeatedly scan every queued task type for a
// ready batch and sleep for PollInterval when nothing is ready.
//
// Jobs submitted for a task type with no entry in processors are still
// accepted and queued, but fail at dispatch time with a "no processor
// registered" error rather than hanging silently.
func (p *BatchProcessor) StartWorkers(ctx context.Context, processors map[string]ProcessorFunc) error {
	if len(processors) == 0 {
		return fmt.Errorf("processor map is empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("workers already started")
	}

	p.processors = make(map[string]ProcessorFunc, len(processors))
	registered := make([]string, 0, len(processors))
	for taskType, fn := range processors {
		if fn == nil {
			return fmt.Errorf("processor for task type %q is nil", taskType)
		}
		p.processors[taskType] = fn
		registered = append(registered, taskType)
	}
	sort.Strings(registered)

	p.running = true
	p.stopCh = make(chan struct{})
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i, p.stopCh)
	}

	p.logger.Debug("StartWorkers: started", "workerCount", p.cfg.WorkerCount, "taskTypes", registered)
	return nil
}

// StopWorkers stops dispatch and waits for every worker to finish its
// current iteration. In-flight batches complete normally; still-queued jobs
// remain queued and unprocessed. StopWorkers is idempotent.
func (p *BatchProcessor) StopWorkers() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("StopWorkers: all workers stopped")
}

// worker is one concurrent loop: scan every queued task type for a ready
// batch, execute what dispatches, and back off briefly when idle.
func (p *BatchProcessor) worker(ctx context.Context, id int, stopCh <-chan struct{}) {
	defer p.wg.Done()
	p.logger.Debug("worker: starting", "workerID", id)

	for {
		select {
		case <-stopCh:
			p.logger.Debug("worker: stopping", "workerID", id)
			return
		case <-ctx.Done():
			p.logger.Debug("worker: context cancelled", "workerID", id, "error", ctx.Err())
			return
		default:
		}

		dispatched := false
		for _, taskType := range p.queues.taskTypes() {
			batch := p.queues.nextBatch(taskType, p.cfg.MaxBatchSize, p.cfg.MaxWait, time.Now())
			if len(batch) == 0 {
				continue
			}
			dispatched = true
			p.executeBatch(ctx, id, taskType, batch)
		}

		if !dispatched {
			select {
			case <-stopCh:
				p.logger.Debug("worker: stopping", "workerID", id)
				return
			case <-ctx.Done():
				p.logger.Debug("worker: context cancelled", "workerID", id, "error", ctx.Err())
				return
			case <-time.After(p.cfg.PollInterval):
			}
		}
	}
}

// executeBatch runs one dispatched batch through its processor and writes
// the outcome back to the registry, the cache, and the statistics. A
// processor error (or panic, or a length-mismatched return) fails every job
// in the batch atomically; the worker loop itself never terminates because
// of a processor failure.
func (p *BatchProcessor) executeBatch(ctx context.Context, workerID int, taskType string, batch []*Job) {
	jobIDs := make([]string, len(batch))
	inputs := make([][]byte, len(batch))
	for i, job := range batch {
		jobIDs[i] = job.ID
		inputs[i] = job.Input
	}

	started := time.Now()
	if skipped := p.registry.markProcessing(jobIDs, started); len(skipped) > 0 {
		p.logger.Error("executeBatch: dispatched jobs not in a dispatchable state", "workerID", workerID, "taskType", taskType, "jobIDs", skipped)
	}
	p.logger.Debug("executeBatch: dispatched", "workerID", workerID, "taskType", taskType, "batchSize", len(batch))

	processor, ok := p.processors[taskType]

	var outputs [][]byte
	var err error
	if !ok {
		err = fmt.Errorf("no processor registered for task type %q", taskType)
	} else {
		outputs, err = p.invokeProcessor(ctx, processor, inputs)
		if err == nil && len(outputs) != len(inputs) {
			err = fmt.Errorf("processor for task type %q returned %d outputs for %d inputs", taskType, len(outputs), len(inputs))
		}
	}
	elapsed := time.Since(started)

	if err != nil {
		// Batch failure is atomic: every job gets the captured message.
		completedAt := time.Now()
		for _, jobID := range jobIDs {
			if failErr := p.registry.fail(jobID, err.Error(), completedAt); failErr != nil {
				p.logger.Error("executeBatch: failed to mark job failed", "workerID", workerID, "jobID", jobID, "error", failErr)
			}
		}
		p.stats.recordBatch(len(batch), elapsed, false)
		p.logger.Warn("executeBatch: batch failed",
			"workerID", workerID,
			"taskType", taskType,
			"batchSize", len(batch),
			"elapsed", elapsed,
			"error", err)
		return
	}

	completedAt := time.Now()
	for i, job := range batch {
		if compErr := p.registry.complete(job.ID, outputs[i], completedAt); compErr != nil {
			p.logger.Error("executeBatch: failed to mark job completed", "workerID", workerID, "jobID", job.ID, "error", compErr)
			continue
		}
		if p.cfg.CacheResults && p.cache != nil {
			key := cacheKey(taskType, job.Input)
			if cacheErr := p.cache.Put(ctx, key, outputs[i]); cacheErr != nil {
				p.logger.Warn("executeBatch: cache insert failed", "workerID", workerID, "jobID", job.ID, "key", key, "error", cacheErr)
			}
		}
	}
	p.stats.recordBatch(len(batch), elapsed, true)
	p.logger.Debug("executeBatch: batch completed",
		"workerID", workerID,
		"taskType", taskType,
		"batchSize", len(batch),
		"elapsed", elapsed)
}

// invokeProcessor calls the processor with panic recovery so a misbehaving
// processor fails its batch instead of killing the worker.
func (p *BatchProcessor) invokeProcessor(ctx context.Context, processor ProcessorFunc, inputs [][]byte) (outputs [][]byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return processor(ctx, inputs)
}
