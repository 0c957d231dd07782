package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/opsassistant/internal/config"
)

// mirrors test_monitor_suspension_recovery.py: a time-based (cron-kind)
// job due at 9:00 on weekdays is caught up when a wake event is observed
// at 10:00 with a 2-hour wall jump, but an interval-kind job never
// catches up regardless of wall jump size.
func TestScheduler_HandleWakeEvent_CatchesUpMissedCronJob(t *testing.T) {
	scheduler, err := NewScheduler(config.CronConfig{})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	var cronRuns, intervalRuns int32
	scheduler.SetAgentRunner(AgentRunnerFunc(func(ctx context.Context, job *Job) error {
		switch job.ID {
		case "morning-report":
			atomic.AddInt32(&cronRuns, 1)
		case "heartbeat":
			atomic.AddInt32(&intervalRuns, 1)
		}
		return nil
	}))

	if _, err := scheduler.RegisterJob(config.CronJobConfig{
		ID:      "morning-report",
		Type:    "agent",
		Enabled: true,
		Schedule: config.CronScheduleConfig{
			Cron: "0 9 * * 1-5",
		},
		Message: &config.CronMessageConfig{Content: "summarize overnight activity"},
	}); err != nil {
		t.Fatalf("RegisterJob(morning-report) error = %v", err)
	}
	if _, err := scheduler.RegisterJob(config.CronJobConfig{
		ID:      "heartbeat",
		Type:    "agent",
		Enabled: true,
		Schedule: config.CronScheduleConfig{
			Every: 30 * time.Minute,
		},
		Message: &config.CronMessageConfig{Content: "heartbeat check"},
	}); err != nil {
		t.Fatalf("RegisterJob(heartbeat) error = %v", err)
	}

	// Friday 2026-02-06 10:00, waking from a ~2h suspension that started
	// before the missed 9:00 run.
	wake := time.Date(2026, 2, 6, 10, 0, 0, 0, time.UTC)
	scheduler.handleWakeEvent(7200, wake)

	if got := atomic.LoadInt32(&cronRuns); got != 1 {
		t.Errorf("morning-report catch-up runs = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&intervalRuns); got != 0 {
		t.Errorf("heartbeat catch-up runs = %d, want 0 (interval schedules never catch up)", got)
	}
}

func TestScheduler_HandleWakeEvent_NoCatchUpWhenNotYetDue(t *testing.T) {
	scheduler, err := NewScheduler(config.CronConfig{})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	var runs int32
	scheduler.SetAgentRunner(AgentRunnerFunc(func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))

	if _, err := scheduler.RegisterJob(config.CronJobConfig{
		ID:      "morning-report",
		Type:    "agent",
		Enabled: true,
		Schedule: config.CronScheduleConfig{
			Cron: "0 9 * * 1-5",
		},
		Message: &config.CronMessageConfig{Content: "summarize overnight activity"},
	}); err != nil {
		t.Fatalf("RegisterJob() error = %v", err)
	}

	// Friday 2026-02-06 08:00, 1h wall jump: 9:00 has not happened yet.
	wake := time.Date(2026, 2, 6, 8, 0, 0, 0, time.UTC)
	scheduler.handleWakeEvent(3600, wake)

	if got := atomic.LoadInt32(&runs); got != 0 {
		t.Errorf("catch-up runs = %d, want 0 (9:00 not yet due)", got)
	}
}

func TestScheduler_HandleWakeEvent_DisabledJobSkipped(t *testing.T) {
	scheduler, err := NewScheduler(config.CronConfig{})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	var runs int32
	scheduler.SetAgentRunner(AgentRunnerFunc(func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))

	job, err := scheduler.RegisterJob(config.CronJobConfig{
		ID:      "morning-report",
		Type:    "agent",
		Enabled: true,
		Schedule: config.CronScheduleConfig{
			Cron: "0 9 * * 1-5",
		},
		Message: &config.CronMessageConfig{Content: "summarize overnight activity"},
	})
	if err != nil {
		t.Fatalf("RegisterJob() error = %v", err)
	}
	// Simulate the job having been disabled after a prior failure; the
	// suspension pass must not resurrect it.
	job.Enabled = false

	wake := time.Date(2026, 2, 6, 10, 0, 0, 0, time.UTC)
	scheduler.handleWakeEvent(7200, wake)

	if got := atomic.LoadInt32(&runs); got != 0 {
		t.Errorf("catch-up runs = %d, want 0 (job disabled)", got)
	}
}
