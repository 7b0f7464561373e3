package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/store"
)

// schedulerCaller names the synthetic identity unattended runs act as.
const schedulerCaller = "autopilot"

// Scheduler fires autopilot ticks on a cron schedule, one run per org
// per tick. The Runner's per-org lock makes overlapping ticks skip
// instead of stacking.
type Scheduler struct {
	runner   *Runner
	store    *store.Store
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewScheduler creates a Scheduler with a cron expression like
// "@every 5m" or "*/10 * * * *".
func NewScheduler(runner *Runner, st *store.Store, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		store:    st,
		schedule: schedule,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start begins firing ticks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() { s.tick(ctx) })
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		stopped := s.cron.Stop()
		<-stopped.Done()
		s.logger.Info("scheduler stopped")
	}()
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	orgs, err := s.store.OrgIDs(ctx)
	if err != nil {
		s.logger.Error("tick failed listing orgs", "error", err)
		return
	}
	for _, orgID := range orgs {
		scope := guard.Scope{CallerID: schedulerCaller, OrgID: orgID}
		if _, err := s.runner.Run(ctx, scope); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				s.logger.Debug("tick skipped, run in flight", "org_id", orgID)
				continue
			}
			s.logger.Error("tick failed", "org_id", orgID, "error", err)
		}
	}
}
