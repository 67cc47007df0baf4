// Package scheduler re-runs stored objectives on their cron, interval or
// one-shot schedules. Every firing goes through the orchestrator and gets a
// fresh run id.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mvlachos/accord/internal/config"
	"github.com/mvlachos/accord/internal/natsbus"
	"github.com/mvlachos/accord/internal/orchestrator"
	"github.com/mvlachos/accord/internal/schedule"
	"github.com/mvlachos/accord/internal/store"
)

// Runner starts one objective run; the orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, obj orchestrator.Objective) (orchestrator.Report, error)
}

type Scheduler struct {
	store        *store.Store
	runner       Runner
	natsClient   *natsbus.Client
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, runner Runner, client *natsbus.Client, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		runner:       runner,
		natsClient:   client,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig updates the scheduler's poll interval, then signals the run
// loop to reset its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(time.Now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, so := range due {
		s.execute(ctx, so)
	}
}

func (s *Scheduler) execute(ctx context.Context, so store.ScheduledObjective) {
	slog.Info("running scheduled objective", "id", so.ID, "name", so.Name, "objective", so.Objective.ID)

	report, err := s.runner.Run(ctx, so.Objective)

	var lastStatus, lastError string
	if err != nil {
		lastStatus = string(report.Status)
		if lastStatus == "" {
			lastStatus = string(orchestrator.StatusFailed)
		}
		lastError = err.Error()
		slog.Error("scheduled run failed", "id", so.ID, "run", report.RunID, "error", err)
	} else {
		lastStatus = string(report.Status)
	}

	// Calculate next run time
	nextRun := schedule.CalculateNextRun(so.Schedule)

	if err := s.store.UpdateScheduleRun(so.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update schedule run", "id", so.ID, "error", err)
	}

	s.publishExecutedEvent(so, report, lastStatus)

	// Mark one-off schedules as completed when they have no next run
	if nextRun == nil {
		slog.Info("no next run, marking one-off schedule as completed", "id", so.ID, "name", so.Name)
		if err := s.store.UpdateScheduleStatus(so.ID, "completed"); err != nil {
			slog.Error("failed to complete schedule", "id", so.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishExecutedEvent(so store.ScheduledObjective, report orchestrator.Report, status string) {
	if s.natsClient == nil {
		return
	}

	event := map[string]any{
		"type":      "schedule_executed",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":     so.ID,
			"name":   so.Name,
			"run_id": report.RunID,
			"status": status,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	_ = s.natsClient.Publish(natsbus.TopicEventsScheduleExecuted, data)
}
