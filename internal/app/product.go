/**
 * @description
 * Product strategies for the enrollment lifecycle. The three products share one
 * state machine in Service; what differs between them lives behind ProductRules:
 * how an enrollment is initialized, whether a contribution is still allowed, what a
 * credited contribution changes, and how a recall is paid out.
 */
package app

import (
	"fmt"
	"time"

	"github.com/goldvest/scheme-service/internal/config"
	"github.com/goldvest/scheme-service/internal/domain"
)

// ProductRules is implemented by Cashback, GoldPlant and SavingPlan.
type ProductRules interface {
	Product() domain.Product
	// Enroll validates the request against the scheme and fills product fields.
	Enroll(e *domain.Enrollment, scheme *domain.Scheme, req domain.EnrollRequest) error
	// CheckContribution rejects a contribution the enrollment can no longer take.
	CheckContribution(e *domain.Enrollment, now time.Time) error
	// ApplyContribution runs after totals are incremented and reports activation.
	ApplyContribution(e *domain.Enrollment, c *domain.Contribution, now time.Time) bool
	// Recall computes the disbursement and the terminal state.
	Recall(e *domain.Enrollment, action domain.RecallAction, now time.Time) (*domain.Disbursement, domain.State, string, error)
}

// RulesFor returns the strategy for a product.
func RulesFor(product domain.Product, rules config.Rules) (ProductRules, error) {
	switch product {
	case domain.ProductCashback:
		return NewCashback(rules), nil
	case domain.ProductGoldPlant:
		return NewGoldPlant(rules), nil
	case domain.ProductSavingPlan:
		return NewSavingPlan(rules), nil
	}
	return nil, fmt.Errorf("%w: unknown product %q", ErrValidation, product)
}

func location(rules config.Rules) *time.Location {
	if rules.Location == nil {
		return time.UTC
	}
	return rules.Location
}
