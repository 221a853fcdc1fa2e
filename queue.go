package batchq

import (
	"sort"
	"sync"
	"time"
)

// taskQueue holds the four priority-level sequences for one task type.
// Insertion order is preserved inside each level; a job occupies exactly one
// level from enqueue until it is removed at dispatch time.
type taskQueue struct {
	levels [numPriorities][]*Job
}

// priorityQueues is the set of per-task-type queues plus the batch selection
// policy. All structural mutation happens under one mutex; the stored *Job
// pointers are shared with the registry, which owns all field mutation.
type priorityQueues struct {
	mu     sync.Mutex
	queues map[string]*taskQueue
}

func newPriorityQueues() *priorityQueues {
	return &priorityQueues{
		queues: make(map[string]*taskQueue),
	}
}

// enqueue appends a job to its task type's priority-level sequence.
func (pq *priorityQueues) enqueue(job *Job) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	q, exists := pq.queues[job.TaskType]
	if !exists {
		q = &taskQueue{}
		pq.queues[job.TaskType] = q
	}
	q.levels[job.Priority] = append(q.levels[job.Priority], job)
}

// taskTypes returns every task type that currently has a queue, sorted for
// deterministic worker scans. Task types are kept even when drained so a
// known type stays cheap to re-check.
func (pq *priorityQueues) taskTypes() []string {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	types := make([]string, 0, len(pq.queues))
	for taskType := range pq.queues {
		types = append(types, taskType)
	}
	sort.Strings(types)
	return types
}

// depth returns the number of queued jobs for a task type across all levels.
func (pq *priorityQueues) depth(taskType string) int {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	q, exists := pq.queues[taskType]
	if !exists {
		return 0
	}
	n := 0
	for _, level := range q.levels {
		n += len(level)
	}
	return n
}

// nextBatch decides whether any of the task type's queues is ready to
// dispatch, and if so removes and returns up to maxBatchSize of its oldest
// jobs. Levels are examined from URGENT down to LOW; a level dispatches when
// it is full enough, its oldest job has waited at least maxWait, or the
// level is HIGH or URGENT (immediate dispatch to bound latency). Only one
// level dispatches per call; nil means nothing is ready and the caller
// should back off briefly rather than busy-poll.
func (pq *priorityQueues) nextBatch(taskType string, maxBatchSize int, maxWait time.Duration, now time.Time) []*Job {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	q, exists := pq.queues[taskType]
	if !exists {
		return nil
	}

	for prio := PriorityUrgent; prio >= PriorityLow; prio-- {
		level := q.levels[prio]
		if len(level) == 0 {
			continue
		}

		oldestWait := now.Sub(level[0].CreatedAt)
		ready := len(level) >= maxBatchSize ||
			oldestWait >= maxWait ||
			prio >= PriorityHigh
		if !ready {
			continue
		}

		n := len(level)
		if n > maxBatchSize {
			n = maxBatchSize
		}
		batch := make([]*Job, n)
		copy(batch, level[:n])
		remaining := level[n:]
		// Reslice into a fresh backing array so dispatched jobs are not
		// pinned by the queue.
		q.levels[prio] = append(make([]*Job, 0, len(remaining)), remaining...)
		return batch
	}

	return nil
}
