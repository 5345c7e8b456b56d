/**
 * @description
 * Accrual job implementations. Each job scans the live enrollments of one product
 * and applies a time-driven change to each row independently: a failure on one
 * enrollment is logged and counted, and the batch moves on. The guards stored on
 * the enrollment (last yield period, last extended period) make every run safe to
 * repeat, so a failed row is simply picked up by the next run.
 */
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goldvest/scheme-service/internal/app"
	"github.com/goldvest/scheme-service/internal/config"
	"github.com/goldvest/scheme-service/internal/domain"
	"github.com/goldvest/scheme-service/internal/goldcalc"
	"github.com/goldvest/scheme-service/internal/store"
)

const (
	JobGoldPlantYield      = "gold_plant_yield"
	JobSavingPlanExtension = "saving_plan_extension"
)

// ErrAlreadyRunning is returned when another runner holds the job's lock.
var ErrAlreadyRunning = errors.New("job is already running")

const lockTTL = 30 * time.Minute

// Repository defines database operations needed by the jobs.
type Repository interface {
	ListEnrollmentsByState(ctx context.Context, product domain.Product, state domain.State) ([]domain.Enrollment, error)
	UpdateEnrollment(ctx context.Context, enrollmentID string, fn store.MutateFunc) (*domain.Enrollment, error)
}

// Summary reports what a single run did.
type Summary struct {
	Job     string `json:"job"`
	Period  string `json:"period"`
	Scanned int    `json:"scanned"`
	Updated int    `json:"updated"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo       Repository
	lock       RunLock
	publisher  app.EventPublisher
	metrics    *Metrics
	logger     *slog.Logger
	exchange   string
	loc        *time.Location
	goldPlant  *app.GoldPlant
	savingPlan *app.SavingPlan
	now        func() time.Time
}

// NewJobs creates a new Jobs runner. lock, publisher and metrics may be nil.
func NewJobs(repo Repository, lock RunLock, publisher app.EventPublisher, metrics *Metrics, rules config.Rules, exchange string, logger *slog.Logger) *Jobs {
	loc := rules.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Jobs{
		repo:       repo,
		lock:       lock,
		publisher:  publisher,
		metrics:    metrics,
		logger:     logger,
		exchange:   exchange,
		loc:        loc,
		goldPlant:  app.NewGoldPlant(rules),
		savingPlan: app.NewSavingPlan(rules),
		now:        time.Now,
	}
}

// ProcessGoldPlantYield is the cron entry for the monthly yield job.
func (j *Jobs) ProcessGoldPlantYield() {
	if _, err := j.RunGoldPlantYield(context.Background(), j.now()); err != nil {
		j.logger.Error("gold plant yield job failed", "error", err)
	}
}

// ProcessSavingPlanExtension is the cron entry for the daily extension job.
func (j *Jobs) ProcessSavingPlanExtension() {
	if _, err := j.RunSavingPlanExtension(context.Background(), j.now()); err != nil {
		j.logger.Error("saving plan extension job failed", "error", err)
	}
}

// RunGoldPlantYield credits one period of yield to every ENROLLED gold plant
// enrollment not yet credited for the calendar month containing now, and flags
// lock-in completion.
func (j *Jobs) RunGoldPlantYield(ctx context.Context, now time.Time) (Summary, error) {
	period := goldcalc.PeriodKey(now, j.loc)
	return j.run(ctx, JobGoldPlantYield, period, domain.ProductGoldPlant, func(ctx context.Context, e domain.Enrollment) (bool, error) {
		var outcome app.YieldOutcome
		updated, err := j.repo.UpdateEnrollment(ctx, e.ID, func(locked *domain.Enrollment) (*store.Mutation, error) {
			if locked.State != domain.StateEnrolled {
				return nil, store.ErrNoChange
			}
			outcome = j.goldPlant.AccrueYield(locked, now)
			if !outcome.Credited && !outcome.LockInCompleted {
				return nil, store.ErrNoChange
			}
			return nil, nil
		})
		if err != nil {
			return false, err
		}

		if outcome.Credited {
			j.logger.Info("gold plant yield credited", "enrollment_id", updated.ID, "period", period, "yield", outcome.Yield.String(), "accrued_yield", updated.AccruedYield.String())
			event := domain.NewEnrollmentEvent(updated, now)
			event.Amount = &outcome.Yield
			event.Reason = period
			j.publish(ctx, domain.EventGoldPlantYieldCredit, event)
		}
		if outcome.LockInCompleted {
			j.logger.Info("gold plant lock-in completed", "enrollment_id", updated.ID)
			j.publish(ctx, domain.EventGoldPlantLockInFinish, domain.NewEnrollmentEvent(updated, now))
		}
		return true, nil
	})
}

// RunSavingPlanExtension grants one extra period to every ENROLLED saving plan whose
// expected period is past the on-time cutoff without a contribution.
func (j *Jobs) RunSavingPlanExtension(ctx context.Context, now time.Time) (Summary, error) {
	day := now.In(j.loc).Format("2006-01-02")
	return j.run(ctx, JobSavingPlanExtension, day, domain.ProductSavingPlan, func(ctx context.Context, e domain.Enrollment) (bool, error) {
		var period int
		updated, err := j.repo.UpdateEnrollment(ctx, e.ID, func(locked *domain.Enrollment) (*store.Mutation, error) {
			if locked.State != domain.StateEnrolled {
				return nil, store.ErrNoChange
			}
			p, granted := j.savingPlan.ExtendForMissedPeriod(locked, now)
			if !granted {
				return nil, store.ErrNoChange
			}
			period = p
			return nil, nil
		})
		if err != nil {
			return false, err
		}

		j.logger.Info("saving plan period extended", "enrollment_id", updated.ID, "missed_period", period, "allowed_periods", updated.AllowedPeriods())
		event := domain.NewEnrollmentEvent(updated, now)
		event.Period = period
		event.Reason = "missed_payment"
		j.publish(ctx, domain.EventSavingPlanExtended, event)
		return true, nil
	})
}

type enrollmentStep func(ctx context.Context, e domain.Enrollment) (updated bool, err error)

func (j *Jobs) run(ctx context.Context, job, period string, product domain.Product, step enrollmentStep) (Summary, error) {
	summary := Summary{Job: job, Period: period}
	started := time.Now()

	if j.lock != nil {
		release, acquired, err := j.lock.Acquire(ctx, job+":"+period, lockTTL)
		switch {
		case err != nil:
			j.logger.Warn("job lock unavailable; running without it", "job", job, "error", err)
		case !acquired:
			j.logger.Info("job already running elsewhere; skipping", "job", job, "period", period)
			return summary, ErrAlreadyRunning
		default:
			defer release()
		}
	}

	j.logger.Info("starting job", "job", job, "period", period)

	enrollments, err := j.repo.ListEnrollmentsByState(ctx, product, domain.StateEnrolled)
	if err != nil {
		return summary, fmt.Errorf("failed to list %s enrollments: %w", product, err)
	}
	summary.Scanned = len(enrollments)

	for _, e := range enrollments {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		updated, err := step(ctx, e)
		switch {
		case errors.Is(err, store.ErrNoChange):
			summary.Skipped++
		case err != nil:
			summary.Failed++
			j.logger.Error("failed to process enrollment", "job", job, "enrollment_id", e.ID, "error", err)
		case updated:
			summary.Updated++
		default:
			summary.Skipped++
		}
	}

	j.metrics.observe(summary, time.Since(started).Seconds())
	j.logger.Info("job finished", "job", job, "period", period, "scanned", summary.Scanned, "updated", summary.Updated, "skipped", summary.Skipped, "failed", summary.Failed)
	return summary, nil
}

func (j *Jobs) publish(ctx context.Context, routingKey string, event domain.EnrollmentEvent) {
	if j.publisher == nil {
		return
	}
	if err := j.publisher.Publish(ctx, j.exchange, routingKey, event); err != nil {
		j.logger.Warn("failed to publish job event", "routing_key", routingKey, "enrollment_id", event.EnrollmentID, "error", err)
	}
}
