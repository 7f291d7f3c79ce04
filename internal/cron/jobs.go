package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionStore is the subset of session.Store needed by cron jobs.
type SessionStore interface {
	Prune(maxIdle time.Duration) int
}

// SessionCleanupJob removes sessions that have been idle longer than MaxIdle.
type SessionCleanupJob struct {
	Store        SessionStore
	MaxIdle      time.Duration
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "*/5 * * * *"
}

// Compile-time interface check.
var _ Job = (*SessionCleanupJob)(nil)

// Name implements Job.
func (j *SessionCleanupJob) Name() string { return "session_cleanup" }

// Schedule implements Job.
func (j *SessionCleanupJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "*/5 * * * *"
}

// Run prunes sessions idle longer than MaxIdle.
func (j *SessionCleanupJob) Run(_ context.Context) error {
	if pruned := j.Store.Prune(j.MaxIdle); pruned > 0 {
		j.Logger.Info("cron: pruned idle sessions", "count", pruned)
	}
	return nil
}

// ConfirmationSweeper is the subset of confirm.Broker needed by cron jobs.
type ConfirmationSweeper interface {
	Sweep() int
}

// ConfirmationSweepJob drops resolved confirmations past their retention.
type ConfirmationSweepJob struct {
	Broker       ConfirmationSweeper
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "* * * * *"
}

// Compile-time interface check.
var _ Job = (*ConfirmationSweepJob)(nil)

// Name implements Job.
func (j *ConfirmationSweepJob) Name() string { return "confirmation_sweep" }

// Schedule implements Job.
func (j *ConfirmationSweepJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "* * * * *"
}

// Run sweeps resolved confirmations.
func (j *ConfirmationSweepJob) Run(_ context.Context) error {
	if n := j.Broker.Sweep(); n > 0 {
		j.Logger.Debug("cron: swept resolved confirmations", "count", n)
	}
	return nil
}

// AuditPruner is the subset of auditstore.Store needed by cron jobs.
type AuditPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditRetentionJob deletes audit events older than Retention.
type AuditRetentionJob struct {
	Store        AuditPruner
	Retention    time.Duration
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "0 3 * * *"
	// Now overrides time.Now for testing.
	Now func() time.Time
}

// Compile-time interface check.
var _ Job = (*AuditRetentionJob)(nil)

// Name implements Job.
func (j *AuditRetentionJob) Name() string { return "audit_retention" }

// Schedule implements Job.
func (j *AuditRetentionJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "0 3 * * *"
}

// Run prunes audit events past the retention window.
func (j *AuditRetentionJob) Run(ctx context.Context) error {
	if j.Retention <= 0 {
		return nil
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	n, err := j.Store.Prune(ctx, now().Add(-j.Retention))
	if err != nil {
		return fmt.Errorf("cron: audit retention: %w", err)
	}
	if n > 0 {
		j.Logger.Info("cron: pruned audit events", "count", n, "retention", j.Retention)
	}
	return nil
}
