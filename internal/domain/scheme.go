package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scheme is the read-only catalog entry a participant enrolls into.
type Scheme struct {
	ID             string          `json:"id"`
	Product        Product         `json:"product"`
	Name           string          `json:"name"`
	Status         string          `json:"status"` // 'active', 'paused', 'closed'
	MinimumAmount  decimal.Decimal `json:"minimum_amount"`
	DurationMonths int             `json:"duration_months"`
}

// Orderable reports whether new enrollments may be created against the scheme.
func (s *Scheme) Orderable() bool {
	return s.Status == "active"
}

// RateSnapshot is a currency-per-gram value as reported by the rate oracle.
type RateSnapshot struct {
	Metal     string          `json:"metal"`
	PerGram   decimal.Decimal `json:"per_gram"`
	Currency  string          `json:"currency"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// EnrollRequest is the body of an enroll call.
type EnrollRequest struct {
	SchemeID       string          `json:"scheme_id"`
	InvestedAmount decimal.Decimal `json:"invested_amount"`
}

// PaymentIntentRequest asks the gateway for an order covering one contribution.
type PaymentIntentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ContributeRequest carries the gateway's completion proof for a contribution.
type ContributeRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	OrderID   string          `json:"order_id"`
	PaymentID string          `json:"payment_id"`
	Signature string          `json:"signature"`
}

// RecallRequest is the body of a recall call.
type RecallRequest struct {
	Action RecallAction `json:"action"`
}

// ContributionResult is returned after a contribution is credited.
type ContributionResult struct {
	Enrollment   *Enrollment   `json:"enrollment"`
	Contribution *Contribution `json:"contribution"`
	Rate         RateSnapshot  `json:"rate"`
	Activated    bool          `json:"activated"`
	Message      string        `json:"message"`
}

// RecallResult explains a recall outcome to the participant.
type RecallResult struct {
	EnrollmentID   string          `json:"enrollment_id"`
	Product        Product         `json:"product"`
	Action         RecallAction    `json:"action"`
	State          State           `json:"state"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	RefundAmount   decimal.Decimal `json:"refund_amount"`
	ChargeAmount   decimal.Decimal `json:"charge_amount"`
	Penalty        bool            `json:"penalty"`
	GramsAtRecall  decimal.Decimal `json:"grams_at_recall"`
	CoinGrams      decimal.Decimal `json:"coin_grams,omitempty"`
	AccruedYield   decimal.Decimal `json:"accrued_yield,omitempty"`
	TotalBonus     decimal.Decimal `json:"total_bonus,omitempty"`
	RedirectMarker string          `json:"redirect_marker,omitempty"`
	Message        string          `json:"message"`
}

// EnrollmentDetail is the read-back view of one enrollment.
type EnrollmentDetail struct {
	Enrollment    *Enrollment    `json:"enrollment"`
	Contributions []Contribution `json:"contributions"`
}
