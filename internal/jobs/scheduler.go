/**
 * @description
 * Cron scheduler setup for the accrual jobs.
 */
package jobs

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron expressions for each job.
type Schedules struct {
	GoldPlantYield      string
	SavingPlanExtension string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance. Schedules are evaluated in the
// jobs' configured location so "day 1" means day 1 locally.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(jobs.loc),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the first
// registration error so a bad expression stops the process.
func (s *Scheduler) Start() error {
	entries := []struct {
		name     string
		schedule string
		run      func()
	}{
		{name: JobGoldPlantYield, schedule: s.schedules.GoldPlantYield, run: s.jobs.ProcessGoldPlantYield},
		{name: JobSavingPlanExtension, schedule: s.schedules.SavingPlanExtension, run: s.jobs.ProcessSavingPlanExtension},
	}

	for _, entry := range entries {
		if _, err := s.cron.AddFunc(entry.schedule, entry.run); err != nil {
			s.logger.Error("failed to schedule job", "job", entry.name, "schedule", entry.schedule, "error", err)
			return err
		}
		s.logger.Info("scheduled job", "job", entry.name, "schedule", entry.schedule)
	}

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
