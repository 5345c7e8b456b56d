package app

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goldvest/scheme-service/internal/config"
	"github.com/goldvest/scheme-service/internal/domain"
	"github.com/goldvest/scheme-service/internal/goldcalc"
)

// Cashback accumulates free-form contributions until the participant holds the
// activation weight; only then may the position be sold or taken as a coin.
type Cashback struct {
	rules config.Rules
}

func NewCashback(rules config.Rules) *Cashback {
	return &Cashback{rules: rules}
}

func (c *Cashback) Product() domain.Product { return domain.ProductCashback }

func (c *Cashback) Enroll(e *domain.Enrollment, scheme *domain.Scheme, req domain.EnrollRequest) error {
	return nil
}

func (c *Cashback) CheckContribution(e *domain.Enrollment, now time.Time) error {
	return nil
}

// ApplyContribution flips activation once cumulative grams reach the threshold.
// The flag never reverts.
func (c *Cashback) ApplyContribution(e *domain.Enrollment, contribution *domain.Contribution, now time.Time) bool {
	if e.Activated {
		return false
	}
	if e.TotalGrams.GreaterThanOrEqual(c.rules.CashbackActivationGrams) {
		e.Activated = true
		e.State = domain.StateActivated
		return true
	}
	return false
}

func (c *Cashback) Recall(e *domain.Enrollment, action domain.RecallAction, now time.Time) (*domain.Disbursement, domain.State, string, error) {
	if !e.Activated {
		return nil, "", "", ErrNotActivated
	}

	d := &domain.Disbursement{
		GramsAtRecall: e.TotalGrams,
		RecalledAt:    now,
	}
	switch action {
	case domain.RecallSell:
		d.ChargeAmount = goldcalc.Percent(e.TotalAmount, c.rules.CashbackSellChargePercent)
		d.RefundAmount = goldcalc.Money(e.TotalAmount.Sub(d.ChargeAmount))
		msg := fmt.Sprintf("Sold %s g. Refund of %s after a %s%% charge of %s.",
			e.TotalGrams.StringFixed(goldcalc.GramPlaces), d.RefundAmount.StringFixed(2),
			c.rules.CashbackSellChargePercent.String(), d.ChargeAmount.StringFixed(2))
		return d, domain.StateWithdrawn, msg, nil
	case domain.RecallCoin:
		d.RefundAmount = decimal.Zero
		d.ChargeAmount = decimal.Zero
		d.CoinGrams = c.rules.CashbackCoinGrams
		msg := fmt.Sprintf("A %s g gold coin will be dispatched.", c.rules.CashbackCoinGrams.String())
		return d, domain.StateWithdrawn, msg, nil
	}
	return nil, "", "", ErrInvalidRecallAction
}
