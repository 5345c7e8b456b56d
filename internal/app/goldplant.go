package app

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goldvest/scheme-service/internal/config"
	"github.com/goldvest/scheme-service/internal/domain"
	"github.com/goldvest/scheme-service/internal/goldcalc"
)

// GoldPlant is a fixed investment earning a monthly yield. Recalling before the
// lock-in ends refunds only part of the invested amount.
type GoldPlant struct {
	rules config.Rules
}

func NewGoldPlant(rules config.Rules) *GoldPlant {
	return &GoldPlant{rules: rules}
}

func (g *GoldPlant) Product() domain.Product { return domain.ProductGoldPlant }

func (g *GoldPlant) Enroll(e *domain.Enrollment, scheme *domain.Scheme, req domain.EnrollRequest) error {
	if !req.InvestedAmount.IsPositive() {
		return ErrInvalidAmount
	}
	if req.InvestedAmount.LessThan(scheme.MinimumAmount) {
		return ErrBelowMinimum
	}
	e.InvestedAmount = goldcalc.Money(req.InvestedAmount)
	return nil
}

func (g *GoldPlant) CheckContribution(e *domain.Enrollment, now time.Time) error {
	return nil
}

func (g *GoldPlant) ApplyContribution(e *domain.Enrollment, c *domain.Contribution, now time.Time) bool {
	return false
}

func (g *GoldPlant) Recall(e *domain.Enrollment, action domain.RecallAction, now time.Time) (*domain.Disbursement, domain.State, string, error) {
	if action != "" && action != domain.RecallRedeem {
		return nil, "", "", ErrInvalidRecallAction
	}

	months := goldcalc.MonthsBetween(e.StartDate, now, location(g.rules))
	d := &domain.Disbursement{
		GramsAtRecall: e.TotalGrams,
		RecalledAt:    now,
	}
	var msg string
	if months < g.rules.GoldPlantLockInMonths {
		d.RefundAmount = goldcalc.Percent(e.InvestedAmount, g.rules.GoldPlantEarlyRefundPercent)
		d.ChargeAmount = goldcalc.Money(e.InvestedAmount.Sub(d.RefundAmount))
		d.Penalty = true
		msg = fmt.Sprintf("Recalled after %d of %d months. Early exit refunds %s%% of the invested amount: %s.",
			months, g.rules.GoldPlantLockInMonths, g.rules.GoldPlantEarlyRefundPercent.String(), d.RefundAmount.StringFixed(2))
	} else {
		d.RefundAmount = e.InvestedAmount
		d.ChargeAmount = decimal.Zero
		msg = fmt.Sprintf("Lock-in complete. Full invested amount of %s is refundable.", d.RefundAmount.StringFixed(2))
	}
	return d, domain.StateRecalled, msg, nil
}

// YieldOutcome describes what one yield pass did to an enrollment.
type YieldOutcome struct {
	Credited        bool
	Yield           decimal.Decimal
	LockInCompleted bool
}

// AccrueYield credits one period of yield unless the calendar period containing
// now was already credited, and marks the lock-in complete once it has elapsed.
func (g *GoldPlant) AccrueYield(e *domain.Enrollment, now time.Time) YieldOutcome {
	var out YieldOutcome
	loc := location(g.rules)

	period := goldcalc.PeriodKey(now, loc)
	if e.LastYieldPeriod != period {
		out.Yield = goldcalc.Percent(e.InvestedAmount, g.rules.GoldPlantMonthlyYieldPct)
		e.AccruedYield = e.AccruedYield.Add(out.Yield)
		e.LastYieldPeriod = period
		out.Credited = true
	}

	if !e.LockInDone && goldcalc.MonthsBetween(e.StartDate, now, loc) >= g.rules.GoldPlantLockInMonths {
		e.LockInDone = true
		out.LockInCompleted = true
	}
	return out
}
