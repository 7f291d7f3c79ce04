package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flemzord/toolgate/internal/cron"
	"github.com/flemzord/toolgate/internal/cron/crontest"
)

type countingStore struct {
	calls   atomic.Int32
	maxIdle atomic.Int64
	pruned  int
}

func (s *countingStore) Prune(maxIdle time.Duration) int {
	s.calls.Add(1)
	s.maxIdle.Store(int64(maxIdle))
	return s.pruned
}

func TestJobs_NamesAndSchedules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		job      cron.Job
		name     string
		schedule string
	}{
		{&cron.SessionCleanupJob{}, "session_cleanup", "*/5 * * * *"},
		{&cron.SessionCleanupJob{ScheduleExpr: "@every 1m"}, "session_cleanup", "@every 1m"},
		{&cron.ConfirmationSweepJob{}, "confirmation_sweep", "* * * * *"},
		{&cron.AuditRetentionJob{}, "audit_retention", "0 3 * * *"},
		{&cron.AuditRetentionJob{ScheduleExpr: "@daily"}, "audit_retention", "@daily"},
	}
	for _, tt := range tests {
		if tt.job.Name() != tt.name || tt.job.Schedule() != tt.schedule {
			t.Errorf("job = %s %q, want %s %q", tt.job.Name(), tt.job.Schedule(), tt.name, tt.schedule)
		}
		if _, err := cron.Parser.Parse(tt.job.Schedule()); err != nil {
			t.Errorf("%s: schedule %q does not parse: %v", tt.name, tt.job.Schedule(), err)
		}
	}
}

func TestSessionCleanupJob_Run(t *testing.T) {
	t.Parallel()

	store := &countingStore{pruned: 2}
	j := &cron.SessionCleanupJob{Store: store, MaxIdle: 30 * time.Minute, Logger: slog.Default()}

	if err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.calls.Load() != 1 || time.Duration(store.maxIdle.Load()) != 30*time.Minute {
		t.Errorf("calls = %d, maxIdle = %v", store.calls.Load(), time.Duration(store.maxIdle.Load()))
	}
}

func TestConfirmationSweepJob_Run(t *testing.T) {
	t.Parallel()

	sweeper := &crontest.MockSweeper{}
	sweeper.Swept.Store(4)
	j := &cron.ConfirmationSweepJob{Broker: sweeper, Logger: slog.Default()}

	if err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sweeper.Calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", sweeper.Calls.Load())
	}
}

func TestAuditRetentionJob_Run(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 10, 3, 0, 0, 0, time.UTC)
	pruner := &crontest.MockAuditPruner{}
	j := &cron.AuditRetentionJob{
		Store:     pruner,
		Retention: 72 * time.Hour,
		Logger:    slog.Default(),
		Now:       func() time.Time { return now },
	}

	if err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	cutoffs := pruner.Cutoffs()
	if len(cutoffs) != 1 || !cutoffs[0].Equal(now.Add(-72*time.Hour)) {
		t.Errorf("cutoffs = %v", cutoffs)
	}
}

func TestAuditRetentionJob_Disabled(t *testing.T) {
	t.Parallel()

	pruner := &crontest.MockAuditPruner{}
	j := &cron.AuditRetentionJob{Store: pruner, Logger: slog.Default()}
	if err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pruner.Cutoffs()) != 0 {
		t.Error("pruned with zero retention")
	}
}

func TestAuditRetentionJob_Error(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk I/O error")
	pruner := &crontest.MockAuditPruner{
		PruneFunc: func(context.Context, time.Time) (int64, error) { return 0, boom },
	}
	j := &cron.AuditRetentionJob{Store: pruner, Retention: time.Hour, Logger: slog.Default()}

	if err := j.Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestScheduler_RunsMockJob(t *testing.T) {
	t.Parallel()

	job := &crontest.MockJob{NameVal: "mock", ScheduleVal: "@every 1h"}
	s := cron.NewScheduler(slog.Default())
	if err := s.RegisterJob(job); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	s.RunNow(context.Background(), "mock")
	if job.CallCount() != 1 || job.LastCall().IsZero() {
		t.Errorf("calls = %d", job.CallCount())
	}
}
