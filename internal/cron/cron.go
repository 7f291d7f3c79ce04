// Package cron provides a job scheduler for periodic maintenance tasks
// such as idle session pruning, confirmation sweeping and audit retention.
package cron

import "context"

// Job defines a periodic background task.
type Job interface {
	// Name returns a unique identifier for this job (used for logging and dedup).
	Name() string

	// Schedule returns a 5-field cron expression (e.g., "*/5 * * * *") or
	// a descriptor such as "@every 5m" or "@daily".
	Schedule() string

	// Run executes the job. Implementations should check ctx.Done() for
	// graceful cancellation.
	Run(ctx context.Context) error
}
