package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Routing keys published on the scheme events exchange.
const (
	EventEnrollmentCreated     = "enrollment.created"
	EventContributionCredited  = "contribution.credited"
	EventEnrollmentActivated   = "enrollment.activated"
	EventEnrollmentRecalled    = "enrollment.recalled"
	EventSavingPlanExtended    = "saving_plan.period_extended"
	EventGoldPlantYieldCredit  = "gold_plant.yield_credited"
	EventGoldPlantLockInFinish = "gold_plant.lock_in_completed"
)

// EnrollmentEvent is the payload for every lifecycle event. Consumers (notification
// delivery, ledger display) read only the fields relevant to the routing key.
type EnrollmentEvent struct {
	EnrollmentID string           `json:"enrollment_id"`
	UserID       string           `json:"user_id"`
	Product      Product          `json:"product"`
	State        State            `json:"state"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	Grams        *decimal.Decimal `json:"grams,omitempty"`
	Period       int              `json:"period,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// NewEnrollmentEvent fills the common fields from an enrollment.
func NewEnrollmentEvent(e *Enrollment, at time.Time) EnrollmentEvent {
	return EnrollmentEvent{
		EnrollmentID: e.ID,
		UserID:       e.UserID,
		Product:      e.Product,
		State:        e.State,
		Timestamp:    at,
	}
}
