package batchq_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	batchq "github.com/bjpl/openlearn-batch"
)

// echoProcessor returns each input with a "!" suffix, preserving order.
func echoProcessor(ctx context.Context, inputs [][]byte) ([][]byte, error) {
	outputs := make([][]byte, len(inputs))
	for i, input := range inputs {
		outputs[i] = append(append([]byte{}, input...), '!')
	}
	time.Sleep(time.Millisecond)
	return outputs, nil
}

func failingProcessor(ctx context.Context, inputs [][]byte) ([][]byte, error) {
	return nil, fmt.Errorf("downstream model unavailable")
}

func panickyProcessor(ctx context.Context, inputs [][]byte) ([][]byte, error) {
	panic("index out of range")
}

func shortProcessor(ctx context.Context, inputs [][]byte) ([][]byte, error) {
	return [][]byte{[]byte("only one")}, nil
}

var _ = Describe("BatchProcessor", func() {
	var (
		cfg *batchq.Config
		bp  *batchq.BatchProcessor
		ctx context.Context
	)

	newProcessor := func() *batchq.BatchProcessor {
		p, err := batchq.NewBatchProcessor(cfg, nil, testLogger())
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	allProcessors := map[string]batchq.ProcessorFunc{
		"echo":  echoProcessor,
		"boom":  failingProcessor,
		"panic": panickyProcessor,
		"short": shortProcessor,
	}

	jobDone := func(jobID string) func() bool {
		return func() bool {
			_, done, _ := bp.GetResult(ctx, jobID)
			return done
		}
	}

	// The worker inserts cache entries just after completing a batch's jobs,
	// so cache-dependent assertions wait for the entries to land.
	cacheSize := func() int {
		stats, err := bp.GetStats(ctx)
		Expect(err).NotTo(HaveOccurred())
		return stats.CacheSize
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = &batchq.Config{
			MaxBatchSize: 4,
			MaxWait:      100 * time.Millisecond,
			WorkerCount:  2,
			CacheResults: true,
			MaxCacheSize: 8,
			PollInterval: 10 * time.Millisecond,
		}
	})

	AfterEach(func() {
		if bp != nil {
			_ = bp.Close()
			bp = nil
		}
	})

	Describe("Construction", func() {
		It("should reject a nil config", func() {
			_, err := batchq.NewBatchProcessor(nil, nil, testLogger())
			Expect(err).To(HaveOccurred())
		})

		It("should reject invalid config values at construction time", func() {
			cfg.MaxBatchSize = 0
			_, err := batchq.NewBatchProcessor(cfg, nil, testLogger())
			Expect(err).To(HaveOccurred())

			cfg.MaxBatchSize = 4
			cfg.WorkerCount = -1
			_, err = batchq.NewBatchProcessor(cfg, nil, testLogger())
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Submission", func() {
		BeforeEach(func() {
			bp = newProcessor()
		})

		It("should return an error for an empty task type", func() {
			_, err := bp.Submit(ctx, "", []byte("x"), batchq.PriorityNormal, nil)
			Expect(err).To(HaveOccurred())
		})

		It("should return an error for an undefined priority", func() {
			_, err := bp.Submit(ctx, "echo", []byte("x"), batchq.Priority(9), nil)
			Expect(err).To(HaveOccurred())
		})

		It("should create a QUEUED job carrying the submitted fields", func() {
			jobID, err := bp.Submit(ctx, "echo", []byte("hola"), batchq.PriorityHigh,
				map[string]string{"source": "el_tiempo"})
			Expect(err).NotTo(HaveOccurred())
			Expect(jobID).NotTo(BeEmpty())

			job, err := bp.GetJob(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(batchq.JobStatusQueued))
			Expect(job.TaskType).To(Equal("echo"))
			Expect(job.Input).To(Equal([]byte("hola")))
			Expect(job.Priority).To(Equal(batchq.PriorityHigh))
			Expect(job.Metadata).To(HaveKeyWithValue("source", "el_tiempo"))
			Expect(job.CreatedAt).NotTo(BeZero())
			Expect(job.StartedAt).To(BeNil())
			Expect(job.CompletedAt).To(BeNil())
		})

		It("should preserve input order in SubmitBatch job IDs", func() {
			inputs := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
			jobIDs, err := bp.SubmitBatch(ctx, "echo", inputs, batchq.PriorityNormal)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobIDs).To(HaveLen(3))

			for i, jobID := range jobIDs {
				job, err := bp.GetJob(ctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				Expect(job.Input).To(Equal(inputs[i]))
			}
		})

		It("should report no result yet for a queued job", func() {
			jobID, err := bp.Submit(ctx, "echo", []byte("x"), batchq.PriorityNormal, nil)
			Expect(err).NotTo(HaveOccurred())

			result, done, err := bp.GetResult(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeFalse())
			Expect(result).To(BeNil())
		})

		It("should return a not-found error for an unknown job ID", func() {
			_, err := bp.GetJob(ctx, "no-such-job")
			Expect(err).To(HaveOccurred())

			_, _, err = bp.GetResult(ctx, "no-such-job")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Worker pool", func() {
		BeforeEach(func() {
			bp = newProcessor()
			Expect(bp.StartWorkers(ctx, allProcessors)).To(Succeed())
		})

		It("should reject a second StartWorkers while running", func() {
			Expect(bp.StartWorkers(ctx, allProcessors)).NotTo(Succeed())
		})

		It("should complete a full batch with outputs zipped in input order", func() {
			inputs := [][]byte{[]byte("uno"), []byte("dos"), []byte("tres"), []byte("cuatro")}
			jobIDs, err := bp.SubmitBatch(ctx, "echo", inputs, batchq.PriorityNormal)
			Expect(err).NotTo(HaveOccurred())

			for i, jobID := range jobIDs {
				Eventually(jobDone(jobID), "3s", "10ms").Should(BeTrue())
				result, done, err := bp.GetResult(ctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				Expect(done).To(BeTrue())
				Expect(result).To(Equal(append(append([]byte{}, inputs[i]...), '!')))
			}
		})

		It("should dispatch an under-full NORMAL queue once the oldest job has waited long enough", func() {
			jobID, err := bp.Submit(ctx, "echo", []byte("solo"), batchq.PriorityNormal, nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(jobDone(jobID), "3s", "10ms").Should(BeTrue())
		})

		It("should fail every job of a failing batch atomically", func() {
			jobIDs, err := bp.SubmitBatch(ctx, "boom",
				[][]byte{[]byte("a"), []byte("b"), []byte("c")}, batchq.PriorityUrgent)
			Expect(err).NotTo(HaveOccurred())

			for _, jobID := range jobIDs {
				Eventually(jobDone(jobID), "3s", "10ms").Should(BeTrue())

				job, err := bp.GetJob(ctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				Expect(job.Status).To(Equal(batchq.JobStatusFailed))
				Expect(job.ErrorMessage).To(ContainSubstring("downstream model unavailable"))

				_, done, err := bp.GetResult(ctx, jobID)
				Expect(done).To(BeTrue())
				Expect(err).To(HaveOccurred())
			}
		})

		It("should convert a processor panic into a batch failure", func() {
			jobID, err := bp.Submit(ctx, "panic", []byte("x"), batchq.PriorityUrgent, nil)
			Expect(err).NotTo(HaveOccurred())

			Eventually(jobDone(jobID), "3s", "10ms").Should(BeTrue())
			job, err := bp.GetJob(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(batchq.JobStatusFailed))
			Expect(job.ErrorMessage).To(ContainSubstring("panicked"))
		})

		It("should fail a batch whose processor returns the wrong number of outputs", func() {
			jobIDs, err := bp.SubmitBatch(ctx, "short",
				[][]byte{[]byte("a"), []byte("b")}, batchq.PriorityUrgent)
			Expect(err).NotTo(HaveOccurred())

			for _, jobID := range jobIDs {
				Eventually(jobDone(jobID), "3s", "10ms").Should(BeTrue())
				job, err := bp.GetJob(ctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				Expect(job.Status).To(Equal(batchq.JobStatusFailed))
			}
		})

		It("should fail jobs for an unregistered task type instead of hanging", func() {
			jobID, err := bp.Submit(ctx, "no_such_type", []byte("x"), batchq.PriorityUrgent, nil)
			Expect(err).NotTo(HaveOccurred())

			Eventually(jobDone(jobID), "3s", "10ms").Should(BeTrue())
			job, err := bp.GetJob(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(batchq.JobStatusFailed))
			Expect(job.ErrorMessage).To(ContainSubstring("no processor registered"))
		})

		It("should keep processing other task types after one type fails", func() {
			_, err := bp.Submit(ctx, "boom", []byte("x"), batchq.PriorityUrgent, nil)
			Expect(err).NotTo(HaveOccurred())

			jobID, err := bp.Submit(ctx, "echo", []byte("sano"), batchq.PriorityUrgent, nil)
			Expect(err).NotTo(HaveOccurred())

			Eventually(jobDone(jobID), "3s", "10ms").Should(BeTrue())
			job, err := bp.GetJob(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(batchq.JobStatusCompleted))
		})
	})

	Describe("Immediate dispatch for high-priority work", func() {
		BeforeEach(func() {
			cfg.MaxWait = 10 * time.Second // only priority can trigger dispatch
			bp = newProcessor()
			Expect(bp.StartWorkers(ctx, allProcessors)).To(Succeed())
		})

		It("should dispatch a single URGENT job without waiting for the batch window", func() {
			jobID, err := bp.Submit(ctx, "echo", []byte("ya"), batchq.PriorityUrgent, nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(jobDone(jobID), "2s", "10ms").Should(BeTrue())
		})

		It("should dispatch a single HIGH job without waiting for the batch window", func() {
			jobID, err := bp.Submit(ctx, "echo", []byte("pronto"), batchq.PriorityHigh, nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(jobDone(jobID), "2s", "10ms").Should(BeTrue())
		})

		It("should dispatch a NORMAL queue as soon as it reaches the batch size", func() {
			inputs := make([][]byte, cfg.MaxBatchSize)
			for i := range inputs {
				inputs[i] = []byte(fmt.Sprintf("doc-%d", i))
			}
			jobIDs, err := bp.SubmitBatch(ctx, "echo", inputs, batchq.PriorityNormal)
			Expect(err).NotTo(HaveOccurred())

			for _, jobID := range jobIDs {
				Eventually(jobDone(jobID), "2s", "10ms").Should(BeTrue())
			}
		})
	})

	Describe("Shutdown", func() {
		BeforeEach(func() {
			cfg.MaxWait = 10 * time.Second
			bp = newProcessor()
			Expect(bp.StartWorkers(ctx, allProcessors)).To(Succeed())
		})

		It("should leave still-queued jobs queued after StopWorkers", func() {
			jobID, err := bp.Submit(ctx, "echo", []byte("despues"), batchq.PriorityNormal, nil)
			Expect(err).NotTo(HaveOccurred())

			bp.StopWorkers()

			job, err := bp.GetJob(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(batchq.JobStatusQueued))
		})

		It("should tolerate repeated StopWorkers calls", func() {
			bp.StopWorkers()
			bp.StopWorkers()
		})
	})

	Describe("Result caching", func() {
		BeforeEach(func() {
			bp = newProcessor()
			Expect(bp.StartWorkers(ctx, allProcessors)).To(Succeed())
		})

		It("should answer a repeated submission from the cache as an already-completed job", func() {
			first, err := bp.Submit(ctx, "echo", []byte("repetido"), batchq.PriorityUrgent, nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(jobDone(first), "3s", "10ms").Should(BeTrue())
			Eventually(cacheSize, "1s", "10ms").Should(Equal(1))

			second, err := bp.Submit(ctx, "echo", []byte("repetido"), batchq.PriorityNormal, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).NotTo(Equal(first))

			// Completed synchronously, no queueing, no processing.
			job, err := bp.GetJob(ctx, second)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(batchq.JobStatusCompleted))
			Expect(job.Result).To(Equal([]byte("repetido!")))
			Expect(job.CompletedAt).NotTo(BeNil())

			stats, err := bp.GetStats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.CacheHits).To(Equal(int64(1)))
		})

		It("should count 4 hits out of 5 lookups for 5 identical submissions", func() {
			first, err := bp.Submit(ctx, "echo", []byte("mismo"), batchq.PriorityUrgent, nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(jobDone(first), "3s", "10ms").Should(BeTrue())
			Eventually(cacheSize, "1s", "10ms").Should(Equal(1))

			for i := 0; i < 4; i++ {
				jobID, err := bp.Submit(ctx, "echo", []byte("mismo"), batchq.PriorityNormal, nil)
				Expect(err).NotTo(HaveOccurred())

				result, done, err := bp.GetResult(ctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				Expect(done).To(BeTrue())
				Expect(result).To(Equal([]byte("mismo!")))
			}

			stats, err := bp.GetStats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.CacheHits).To(Equal(int64(4)))
			Expect(stats.CacheMisses).To(Equal(int64(1)))
			Expect(stats.CacheHitRate).To(BeNumerically("~", 0.8, 1e-9))
		})

		It("should reset hit/miss counters and empty the cache on ClearCache", func() {
			first, err := bp.Submit(ctx, "echo", []byte("borrar"), batchq.PriorityUrgent, nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(jobDone(first), "3s", "10ms").Should(BeTrue())
			Eventually(cacheSize, "1s", "10ms").Should(Equal(1))

			Expect(bp.ClearCache(ctx)).To(Succeed())

			stats, err := bp.GetStats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.CacheHits).To(BeZero())
			Expect(stats.CacheMisses).To(BeZero())
			Expect(stats.CacheSize).To(BeZero())

			// Same input is a miss again and goes through the queue.
			jobID, err := bp.Submit(ctx, "echo", []byte("borrar"), batchq.PriorityNormal, nil)
			Expect(err).NotTo(HaveOccurred())
			job, err := bp.GetJob(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).NotTo(Equal(batchq.JobStatusCompleted))
		})
	})

	Describe("Statistics", func() {
		BeforeEach(func() {
			bp = newProcessor()
			Expect(bp.StartWorkers(ctx, allProcessors)).To(Succeed())
		})

		It("should aggregate job counts, batch counters and throughput", func() {
			jobIDs, err := bp.SubmitBatch(ctx, "echo",
				[][]byte{[]byte("w"), []byte("x"), []byte("y"), []byte("z")}, batchq.PriorityNormal)
			Expect(err).NotTo(HaveOccurred())
			for _, jobID := range jobIDs {
				Eventually(jobDone(jobID), "3s", "10ms").Should(BeTrue())
			}

			failed, err := bp.Submit(ctx, "boom", []byte("f"), batchq.PriorityUrgent, nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(jobDone(failed), "3s", "10ms").Should(BeTrue())
			Eventually(cacheSize, "1s", "10ms").Should(Equal(4))

			stats, err := bp.GetStats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.TotalJobs).To(Equal(5))
			Expect(stats.CompletedJobs).To(Equal(4))
			Expect(stats.FailedJobs).To(Equal(1))
			Expect(stats.PendingJobs).To(BeZero())
			Expect(stats.BatchesProcessed).To(BeNumerically(">=", 2))
			Expect(stats.AvgBatchSize).To(BeNumerically(">", 0))
			Expect(stats.Throughput).To(BeNumerically(">", 0))
			Expect(stats.CacheSize).To(Equal(4))
		})
	})
})
