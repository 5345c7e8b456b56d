/**
 * @description
 * This file defines the core domain models for the scheme-service: the three gold
 * products, the enrollment lifecycle states, and the Enrollment and Contribution
 * records that map to the scheme_enrollments and scheme_contributions tables.
 */
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product identifies one of the gold-linked investment products.
type Product string

const (
	ProductCashback   Product = "cashback"
	ProductGoldPlant  Product = "gold_plant"
	ProductSavingPlan Product = "saving_plan"
)

// Products lists every supported product in a stable order.
var Products = []Product{ProductCashback, ProductGoldPlant, ProductSavingPlan}

// ParseProduct accepts both the canonical key and the hyphenated URL form.
func ParseProduct(raw string) (Product, bool) {
	switch raw {
	case "cashback":
		return ProductCashback, true
	case "gold_plant", "gold-plant", "goldplant":
		return ProductGoldPlant, true
	case "saving_plan", "saving-plan", "savingplan":
		return ProductSavingPlan, true
	}
	return "", false
}

// State is the lifecycle state of an enrollment.
type State string

const (
	StateEnrolled   State = "ENROLLED"
	StateActivated  State = "ACTIVATED"
	StateCompleted  State = "COMPLETED"
	StateWithdrawn  State = "WITHDRAWN"
	StateCancelled  State = "CANCELLED"
	StateRecalled   State = "RECALLED"
	StateTerminated State = "TERMINATED"
)

// IsTerminal reports whether no further contribution or recall is allowed.
func (s State) IsTerminal() bool {
	switch s {
	case StateEnrolled, StateActivated:
		return false
	}
	return true
}

// RecallAction selects how a recall is disbursed.
type RecallAction string

const (
	RecallSell     RecallAction = "SELL"
	RecallCoin     RecallAction = "COIN"
	RecallSellGold RecallAction = "SELL_GOLD"
	RecallBuyJewel RecallAction = "BUY_JEWEL"
	// RecallRedeem is the only action for gold plant enrollments.
	RecallRedeem RecallAction = "REDEEM"
)

// Disbursement is the recall outcome frozen onto the enrollment.
type Disbursement struct {
	RefundAmount   decimal.Decimal `json:"refund_amount"`
	ChargeAmount   decimal.Decimal `json:"charge_amount"`
	Penalty        bool            `json:"penalty"`
	GramsAtRecall  decimal.Decimal `json:"grams_at_recall"`
	CoinGrams      decimal.Decimal `json:"coin_grams"`
	RedirectMarker string          `json:"redirect_marker,omitempty"`
	RecalledAt     time.Time       `json:"recalled_at"`
}

// Enrollment is one participant's position in one scheme instance.
type Enrollment struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Product       Product         `json:"product"`
	SchemeID      string          `json:"scheme_id"`
	State         State           `json:"state"`
	StartDate     time.Time       `json:"start_date"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	TotalGrams    decimal.Decimal `json:"total_grams"`
	Activated     bool            `json:"activated"`
	LockInDone    bool            `json:"lock_in_completed"`
	Recalled      bool            `json:"recalled"`
	RecallAction  RecallAction    `json:"recall_action,omitempty"`
	ExtraPeriods  int             `json:"extra_periods"`
	PaymentIntent *PaymentIntent  `json:"payment_intent,omitempty"`

	// Gold plant.
	InvestedAmount  decimal.Decimal `json:"invested_amount"`
	AccruedYield    decimal.Decimal `json:"accrued_yield"`
	LastYieldPeriod string          `json:"last_yield_period,omitempty"`

	// Saving plan.
	BasePeriods        int             `json:"base_periods"`
	PaidPeriods        int             `json:"paid_periods"`
	TotalBonus         decimal.Decimal `json:"total_bonus"`
	LastExtendedPeriod int             `json:"last_extended_period"`
	LastPaidPeriod     int             `json:"last_paid_period"`

	Disbursement *Disbursement `json:"disbursement,omitempty"`
	Version      int64         `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// AllowedPeriods is the number of saving-plan contributions the participant may make.
func (e *Enrollment) AllowedPeriods() int {
	return e.BasePeriods + e.ExtraPeriods
}

// PaymentIntent correlates an enrollment with its most recent gateway order.
type PaymentIntent struct {
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// Contribution is one accepted payment against an enrollment. Immutable once written.
type Contribution struct {
	ID           string          `json:"id"`
	EnrollmentID string          `json:"enrollment_id"`
	Period       int             `json:"period,omitempty"`
	PaidAt       time.Time       `json:"paid_at"`
	Amount       decimal.Decimal `json:"amount"`
	Grams        decimal.Decimal `json:"grams"`
	RatePerGram  decimal.Decimal `json:"rate_per_gram"`
	BonusAmount  decimal.Decimal `json:"bonus_amount"`
	OnTime       bool            `json:"on_time"`
	OrderID      string          `json:"order_id"`
	PaymentID    string          `json:"payment_id"`
}

// PaymentAudit records a verified gateway payment.
type PaymentAudit struct {
	PaymentID    string          `json:"payment_id"`
	OrderID      string          `json:"order_id"`
	Signature    string          `json:"signature"`
	EnrollmentID string          `json:"enrollment_id"`
	UserID       string          `json:"user_id"`
	Amount       decimal.Decimal `json:"amount"`
	VerifiedAt   time.Time       `json:"verified_at"`
}
