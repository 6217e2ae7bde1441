/*
Package jobqueue configuration - tunable parameters for the message queue.

## Quick Configuration Reference:

### Performance Tuning:
- Increase MaxWorkers for higher throughput (more concurrent message jobs)
- Lower MaxRetries to shed load faster when the database is unhealthy

### Reliability Tuning:
- River retries with its built-in exponential backoff up to MaxRetries
- A job that exhausts retries stays visible in River's job table as discarded;
  it is reported, never silently dropped

### Ordering:
- Jobs are processed concurrently across MaxWorkers, so broadcast order within
  a room is completion order, not strict submission order. Receivers display
  by timestamp.
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	// MaxWorkers is the number of concurrent workers draining jobs.
	MaxWorkers int

	// MaxRetries is the maximum delivery attempts per job.
	MaxRetries int

	// JobTimeout bounds a single job run.
	JobTimeout time.Duration

	// CachePageSize is the bound for the cached first page a worker prepends
	// into; must match the read path's fill size.
	CachePageSize int
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:    10,
		MaxRetries:    25,
		JobTimeout:    time.Minute,
		CachePageSize: 50,
	}
}

// DevelopmentQueueConfig returns a configuration that fails fast
func DevelopmentQueueConfig() *QueueConfig {
	config := DefaultQueueConfig()
	config.MaxWorkers = 3
	config.MaxRetries = 5
	config.JobTimeout = 15 * time.Second
	return config
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
