package batchq

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config represents batch processor configuration.
// A Config is fixed at construction time; NewBatchProcessor rejects invalid
// values instead of deferring the failure to first use.
type Config struct {
	// Maximum number of jobs in a single dispatched batch (default: 32).
	MaxBatchSize int `validate:"gt=0"`

	// Maximum time the oldest job may wait before its queue is dispatched
	// regardless of fill level (default: 2s).
	MaxWait time.Duration `validate:"gt=0"`

	// Number of concurrent workers (default: 4).
	WorkerCount int `validate:"gt=0"`

	// Whether completed results are cached and reused on resubmission.
	CacheResults bool

	// Maximum number of cache entries before FIFO eviction (default: 1000).
	MaxCacheSize int `validate:"gt=0"`

	// How long an idle worker sleeps before re-checking the queues
	// (default: 100ms).
	PollInterval time.Duration `validate:"gt=0"`
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxBatchSize: 32,
		MaxWait:      2 * time.Second,
		WorkerCount:  4,
		CacheResults: true,
		MaxCacheSize: 1000,
		PollInterval: 100 * time.Millisecond,
	}
}

// LoadConfig loads batch processor configuration from environment variables.
// It reads the following environment variables:
//   - BATCHQ_MAX_BATCH_SIZE: maximum batch size (default: 32)
//   - BATCHQ_MAX_WAIT: maximum wait before dispatch (default: 2s)
//   - BATCHQ_WORKER_COUNT: number of workers (default: 4)
//   - BATCHQ_CACHE_RESULTS: whether to cache results (default: true)
//   - BATCHQ_MAX_CACHE_SIZE: maximum cache entries (default: 1000)
//   - BATCHQ_POLL_INTERVAL: idle worker sleep (default: 100ms)
//
// Duration values accept standard duration strings (e.g. "2s", "500ms").
// Returns a Config with default values for variables that are not set.
func LoadConfig() *Config {
	return &Config{
		MaxBatchSize: getEnvInt("BATCHQ_MAX_BATCH_SIZE", 32),
		MaxWait:      getEnvDuration("BATCHQ_MAX_WAIT", 2*time.Second),
		WorkerCount:  getEnvInt("BATCHQ_WORKER_COUNT", 4),
		CacheResults: getEnvBool("BATCHQ_CACHE_RESULTS", true),
		MaxCacheSize: getEnvInt("BATCHQ_MAX_CACHE_SIZE", 1000),
		PollInterval: getEnvDuration("BATCHQ_POLL_INTERVAL", 100*time.Millisecond),
	}
}

var validate = validator.New()

// Validate checks the configuration and returns a descriptive error for the
// first invalid value.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
