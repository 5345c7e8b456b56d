package app

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goldvest/scheme-service/internal/config"
	"github.com/goldvest/scheme-service/internal/domain"
	"github.com/goldvest/scheme-service/internal/goldcalc"
)

const defaultSavingPlanPeriods = 12

// SavingPlan takes at most one contribution per calendar period. A contribution is
// numbered by the period it is paid in; a period that goes unpaid is made up by an
// extra period at the end of the plan, never by a catch-up payment.
type SavingPlan struct {
	rules config.Rules
}

func NewSavingPlan(rules config.Rules) *SavingPlan {
	return &SavingPlan{rules: rules}
}

func (s *SavingPlan) Product() domain.Product { return domain.ProductSavingPlan }

func (s *SavingPlan) Enroll(e *domain.Enrollment, scheme *domain.Scheme, req domain.EnrollRequest) error {
	e.BasePeriods = scheme.DurationMonths
	if e.BasePeriods <= 0 {
		e.BasePeriods = defaultSavingPlanPeriods
	}
	return nil
}

func (s *SavingPlan) CheckContribution(e *domain.Enrollment, now time.Time) error {
	period := s.ExpectedPeriod(e, now)
	if period > e.AllowedPeriods() {
		return ErrPlanCompleted
	}
	if period <= e.LastPaidPeriod {
		return ErrPeriodAlreadyPaid
	}
	return nil
}

// ApplyContribution numbers the contribution with the current calendar period and
// applies the bonus when it is paid by the cutoff day.
func (s *SavingPlan) ApplyContribution(e *domain.Enrollment, c *domain.Contribution, now time.Time) bool {
	c.Period = s.ExpectedPeriod(e, now)
	c.OnTime = goldcalc.DayOfMonth(now, location(s.rules)) <= s.rules.SavingPlanOnTimeCutoffDay
	c.BonusAmount = decimal.Zero
	if pct, ok := s.rules.SavingPlanBonusSchedule[c.Period]; ok && c.OnTime {
		c.BonusAmount = goldcalc.Percent(c.Amount, pct)
	}

	e.PaidPeriods++
	e.LastPaidPeriod = c.Period
	e.TotalBonus = e.TotalBonus.Add(c.BonusAmount)
	return false
}

func (s *SavingPlan) Recall(e *domain.Enrollment, action domain.RecallAction, now time.Time) (*domain.Disbursement, domain.State, string, error) {
	d := &domain.Disbursement{
		GramsAtRecall: e.TotalGrams,
		RecalledAt:    now,
	}
	switch action {
	case domain.RecallSellGold:
		d.ChargeAmount = goldcalc.Percent(e.TotalAmount, s.rules.SavingPlanServiceChargePct)
		d.RefundAmount = goldcalc.Money(e.TotalAmount.Sub(d.ChargeAmount))
		msg := fmt.Sprintf("Plan closed. Return of %s after a %s%% service charge of %s.",
			d.RefundAmount.StringFixed(2), s.rules.SavingPlanServiceChargePct.String(), d.ChargeAmount.StringFixed(2))
		return d, domain.StateTerminated, msg, nil
	case domain.RecallBuyJewel:
		d.RefundAmount = e.TotalAmount
		d.ChargeAmount = decimal.Zero
		d.RedirectMarker = "catalog/jewellery?enrollment_id=" + e.ID
		msg := fmt.Sprintf("Plan closed. %s is available towards jewellery from the catalog.", d.RefundAmount.StringFixed(2))
		return d, domain.StateTerminated, msg, nil
	}
	return nil, "", "", ErrInvalidRecallAction
}

// ExpectedPeriod is the 1-based period the calendar says is currently due.
func (s *SavingPlan) ExpectedPeriod(e *domain.Enrollment, now time.Time) int {
	return goldcalc.MonthsBetween(e.StartDate, now, location(s.rules)) + 1
}

// ExtendForMissedPeriod grants one extra period when the expected period is past
// its on-time cutoff without a contribution. Each period is extended at most once.
func (s *SavingPlan) ExtendForMissedPeriod(e *domain.Enrollment, now time.Time) (int, bool) {
	loc := location(s.rules)
	if goldcalc.DayOfMonth(now, loc) <= s.rules.SavingPlanOnTimeCutoffDay {
		return 0, false
	}

	expected := s.ExpectedPeriod(e, now)
	if expected > e.AllowedPeriods() {
		return 0, false
	}
	if e.LastPaidPeriod >= expected || e.LastExtendedPeriod >= expected {
		return 0, false
	}

	e.ExtraPeriods++
	e.LastExtendedPeriod = expected
	return expected, true
}
