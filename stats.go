package batchq

import (
	"sync"
	"time"
)

// statsCollector accumulates batch and cache counters. Writes happen on the
// worker and submit hot paths; snapshots are cold-path reads that need
// several fields together, hence a mutex rather than individual atomics.
type statsCollector struct {
	mu             sync.Mutex
	batches        int64
	batchedJobs    int64
	completedJobs  int64
	failedJobs     int64
	processingTime time.Duration
	cacheHits      int64
	cacheMisses    int64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

// recordBatch accounts for one processor invocation covering size jobs.
func (s *statsCollector) recordBatch(size int, elapsed time.Duration, succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	s.batchedJobs += int64(size)
	s.processingTime += elapsed
	if succeeded {
		s.completedJobs += int64(size)
	} else {
		s.failedJobs += int64(size)
	}
}

func (s *statsCollector) recordCacheHit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheHits++
}

func (s *statsCollector) recordCacheMiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheMisses++
}

// resetCacheCounters zeroes the hit/miss counters. Batch counters are
// untouched; this backs ClearCache.
func (s *statsCollector) resetCacheCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheHits = 0
	s.cacheMisses = 0
}

// fill writes the collector-derived fields of a Stats snapshot.
func (s *statsCollector) fill(stats *Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats.BatchesProcessed = s.batches
	if s.batches > 0 {
		stats.AvgBatchSize = float64(s.batchedJobs) / float64(s.batches)
	}
	if secs := s.processingTime.Seconds(); secs > 0 {
		stats.Throughput = float64(s.completedJobs) / secs
	}
	stats.CacheHits = s.cacheHits
	stats.CacheMisses = s.cacheMisses
	if lookups := s.cacheHits + s.cacheMisses; lookups > 0 {
		stats.CacheHitRate = float64(s.cacheHits) / float64(lookups)
	}
}
