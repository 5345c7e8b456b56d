/**
 * @description
 * This file contains the enrollment lifecycle service. It enforces the shared state
 * machine of the three gold products and delegates product-specific arithmetic to
 * ProductRules.
 *
 * External calls (payment verification, rate lookup) always complete before a
 * transaction is opened; every enrollment change then happens inside
 * Repository.UpdateEnrollment, where rules are re-checked against the locked row.
 *
 * @dependencies
 * - internal/store: Repository contract and store errors.
 * - github.com/shopspring/decimal: Money and gram arithmetic.
 * - github.com/google/uuid: Enrollment and contribution ids.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/goldvest/scheme-service/internal/config"
	"github.com/goldvest/scheme-service/internal/domain"
	"github.com/goldvest/scheme-service/internal/goldcalc"
	"github.com/goldvest/scheme-service/internal/store"
)

// MetalGold is the only metal the schemes are denominated in.
const MetalGold = "gold"


// RateOracle supplies the current currency-per-gram rate.
type RateOracle interface {
	CurrentRate(ctx context.Context, metal string) (domain.RateSnapshot, error)
}

// PaymentGateway creates orders and verifies completed payments.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, receipt string) (string, error)
	Verify(ctx context.Context, orderID, paymentID, signature string) (bool, error)
}

// EventPublisher publishes lifecycle events. Failures never fail the operation.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// AttemptLimiter throttles contribute attempts. Allow returns an error matching
// ErrTooManyAttempts when the attempt is refused; any other error is a limiter fault.
type AttemptLimiter interface {
	Allow(ctx context.Context, userID, enrollmentID string) error
}

// ServiceConfig carries the settings the lifecycle service needs.
type ServiceConfig struct {
	Rules         config.Rules
	EventExchange string
	RateMaxAge    time.Duration
}

// Service implements the enrollment lifecycle for every product.
type Service struct {
	repo      store.Repository
	oracle    RateOracle
	gateway   PaymentGateway
	publisher EventPublisher
	logger    *slog.Logger
	cfg       ServiceConfig

	limiter AttemptLimiter

	now   func() time.Time
	newID func() string
}

// NewService creates a new lifecycle service.
func NewService(repo store.Repository, oracle RateOracle, gateway PaymentGateway, publisher EventPublisher, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		oracle:    oracle,
		gateway:   gateway,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// SetAttemptLimiter enables contribute throttling per participant and enrollment.
func (s *Service) SetAttemptLimiter(limiter AttemptLimiter) {
	s.limiter = limiter
}

// ResolveInternalUserID maps a Clerk subject to the internal participant id.
func (s *Service) ResolveInternalUserID(ctx context.Context, clerkUserID string) (string, error) {
	return s.repo.FindUserIDByClerkUserID(ctx, clerkUserID)
}

// CurrentRate returns the oracle's rate for a metal, applying the staleness policy.
func (s *Service) CurrentRate(ctx context.Context, metal string) (domain.RateSnapshot, error) {
	metal = strings.ToLower(strings.TrimSpace(metal))
	if metal == "" {
		metal = MetalGold
	}
	rate, err := s.oracle.CurrentRate(ctx, metal)
	if err != nil {
		return domain.RateSnapshot{}, dependencyError(ErrRateUnavailable, err)
	}
	if !rate.PerGram.IsPositive() {
		return domain.RateSnapshot{}, fmt.Errorf("%w: non-positive rate %s", ErrRateUnavailable, rate.PerGram)
	}
	if s.cfg.RateMaxAge > 0 && s.now().Sub(rate.FetchedAt) > s.cfg.RateMaxAge {
		return domain.RateSnapshot{}, fmt.Errorf("%w: fetched at %s", ErrRateStale, rate.FetchedAt.Format(time.RFC3339))
	}
	return rate, nil
}

// Enroll creates a new enrollment in state ENROLLED with zero totals.
func (s *Service) Enroll(ctx context.Context, userID string, product domain.Product, req domain.EnrollRequest) (*domain.Enrollment, error) {
	rules, err := RulesFor(product, s.cfg.Rules)
	if err != nil {
		return nil, err
	}

	scheme, err := s.repo.GetScheme(ctx, strings.TrimSpace(req.SchemeID))
	if err != nil {
		return nil, translateStoreError(err)
	}
	if scheme.Product != product {
		return nil, ErrSchemeProductMismatch
	}
	if !scheme.Orderable() {
		return nil, ErrSchemeNotOrderable
	}

	now := s.now().UTC()
	e := &domain.Enrollment{
		ID:             s.newID(),
		UserID:         userID,
		Product:        product,
		SchemeID:       scheme.ID,
		State:          domain.StateEnrolled,
		StartDate:      now,
		TotalAmount:    decimal.Zero,
		TotalGrams:     decimal.Zero,
		InvestedAmount: decimal.Zero,
		AccruedYield:   decimal.Zero,
		TotalBonus:     decimal.Zero,
		CreatedAt:      now,
	}
	if err := rules.Enroll(e, scheme, req); err != nil {
		return nil, err
	}

	if err := s.repo.CreateEnrollment(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create enrollment: %w", err)
	}
	s.logger.Info("enrollment created", "enrollment_id", e.ID, "user_id", userID, "product", product, "scheme_id", scheme.ID)

	event := domain.NewEnrollmentEvent(e, now)
	if e.InvestedAmount.IsPositive() {
		event.Amount = &e.InvestedAmount
	}
	s.publish(ctx, domain.EventEnrollmentCreated, event)
	return e, nil
}

// GetEnrollment returns one of the participant's enrollments with its ledger.
func (s *Service) GetEnrollment(ctx context.Context, userID string, product domain.Product, enrollmentID string) (*domain.EnrollmentDetail, error) {
	e, err := s.loadOwned(ctx, userID, product, enrollmentID)
	if err != nil {
		return nil, err
	}
	contributions, err := s.repo.ListContributions(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions: %w", err)
	}
	if contributions == nil {
		contributions = []domain.Contribution{}
	}
	return &domain.EnrollmentDetail{Enrollment: e, Contributions: contributions}, nil
}

// ListEnrollments returns the participant's enrollments for a product.
func (s *Service) ListEnrollments(ctx context.Context, userID string, product domain.Product) ([]domain.Enrollment, error) {
	if _, err := RulesFor(product, s.cfg.Rules); err != nil {
		return nil, err
	}
	enrollments, err := s.repo.ListEnrollmentsByUser(ctx, userID, product)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	if enrollments == nil {
		enrollments = []domain.Enrollment{}
	}
	return enrollments, nil
}

// CreatePaymentIntent opens a gateway order for the next contribution and records
// it on the enrollment. A newer intent replaces an unpaid older one.
func (s *Service) CreatePaymentIntent(ctx context.Context, userID string, product domain.Product, enrollmentID string, req domain.PaymentIntentRequest) (*domain.PaymentIntent, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	amount := goldcalc.Money(req.Amount)

	rules, err := RulesFor(product, s.cfg.Rules)
	if err != nil {
		return nil, err
	}
	e, err := s.loadOwned(ctx, userID, product, enrollmentID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := checkContributable(e, rules, now); err != nil {
		return nil, err
	}

	orderID, err := s.gateway.CreateOrder(ctx, amount, e.ID)
	if err != nil {
		return nil, dependencyError(ErrGatewayUnavailable, err)
	}

	intent := &domain.PaymentIntent{OrderID: orderID, Amount: amount, CreatedAt: now}
	_, err = s.repo.UpdateEnrollment(ctx, e.ID, func(locked *domain.Enrollment) (*store.Mutation, error) {
		if err := checkOwnership(locked, userID, product); err != nil {
			return nil, err
		}
		if err := checkContributable(locked, rules, now); err != nil {
			return nil, err
		}
		locked.PaymentIntent = intent
		return nil, nil
	})
	if err != nil {
		return nil, translateStoreError(err)
	}

	s.logger.Info("payment intent created", "enrollment_id", e.ID, "order_id", orderID, "amount", amount.String())
	return intent, nil
}

// Contribute credits a verified payment. The payment proof is verified and the rate
// fetched before any state changes; the contribution, the running totals and the
// payment audit row then commit together.
func (s *Service) Contribute(ctx context.Context, userID string, product domain.Product, enrollmentID string, req domain.ContributeRequest) (*domain.ContributionResult, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.PaymentID = strings.TrimSpace(req.PaymentID)
	req.Signature = strings.TrimSpace(req.Signature)
	if req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		return nil, ErrMissingPaymentProof
	}
	amount := goldcalc.Money(req.Amount)

	rules, err := RulesFor(product, s.cfg.Rules)
	if err != nil {
		return nil, err
	}
	e, err := s.loadOwned(ctx, userID, product, enrollmentID)
	if err != nil {
		return nil, err
	}
	if err := checkContributable(e, rules, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := checkIntent(e, req.OrderID, amount); err != nil {
		return nil, err
	}

	if err := s.consumeAttempt(ctx, userID, e.ID); err != nil {
		return nil, err
	}

	verified, err := s.gateway.Verify(ctx, req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		return nil, dependencyError(ErrGatewayUnavailable, err)
	}
	if !verified {
		s.logger.Warn("payment verification rejected", "enrollment_id", e.ID, "order_id", req.OrderID, "payment_id", req.PaymentID)
		return nil, ErrSignatureInvalid
	}

	rate, err := s.CurrentRate(ctx, MetalGold)
	if err != nil {
		return nil, err
	}
	grams, err := goldcalc.GramsFor(amount, rate.PerGram)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRateUnavailable, err)
	}

	now := s.now().UTC()
	var contribution *domain.Contribution
	var activated bool
	updated, err := s.repo.UpdateEnrollment(ctx, e.ID, func(locked *domain.Enrollment) (*store.Mutation, error) {
		if err := checkOwnership(locked, userID, product); err != nil {
			return nil, err
		}
		if err := checkContributable(locked, rules, now); err != nil {
			return nil, err
		}
		if err := checkIntent(locked, req.OrderID, amount); err != nil {
			return nil, err
		}

		c := &domain.Contribution{
			ID:           s.newID(),
			EnrollmentID: locked.ID,
			PaidAt:       now,
			Amount:       amount,
			Grams:        grams,
			RatePerGram:  rate.PerGram,
			BonusAmount:  decimal.Zero,
			OnTime:       true,
			OrderID:      req.OrderID,
			PaymentID:    req.PaymentID,
		}
		locked.TotalAmount = locked.TotalAmount.Add(amount)
		locked.TotalGrams = locked.TotalGrams.Add(grams)
		activated = rules.ApplyContribution(locked, c, now)
		contribution = c

		return &store.Mutation{
			Contribution: c,
			Audit: &domain.PaymentAudit{
				PaymentID:    req.PaymentID,
				OrderID:      req.OrderID,
				Signature:    req.Signature,
				EnrollmentID: locked.ID,
				UserID:       userID,
				Amount:       amount,
				VerifiedAt:   now,
			},
		}, nil
	})
	if err != nil {
		return nil, translateStoreError(err)
	}

	s.logger.Info("contribution credited",
		"enrollment_id", updated.ID,
		"product", product,
		"amount", amount.String(),
		"grams", grams.String(),
		"rate_per_gram", rate.PerGram.String(),
		"period", contribution.Period,
		"bonus", contribution.BonusAmount.String(),
	)

	event := domain.NewEnrollmentEvent(updated, now)
	event.Amount = &contribution.Amount
	event.Grams = &contribution.Grams
	event.Period = contribution.Period
	s.publish(ctx, domain.EventContributionCredited, event)
	if activated {
		activatedEvent := domain.NewEnrollmentEvent(updated, now)
		activatedEvent.Grams = &updated.TotalGrams
		s.publish(ctx, domain.EventEnrollmentActivated, activatedEvent)
	}

	return &domain.ContributionResult{
		Enrollment:   updated,
		Contribution: contribution,
		Rate:         rate,
		Activated:    activated,
		Message:      contributionMessage(updated, contribution, activated),
	}, nil
}

// Recall closes the enrollment and freezes its disbursement. A second recall fails
// and leaves the first disbursement untouched.
func (s *Service) Recall(ctx context.Context, userID string, product domain.Product, enrollmentID string, req domain.RecallRequest) (*domain.RecallResult, error) {
	rules, err := RulesFor(product, s.cfg.Rules)
	if err != nil {
		return nil, err
	}
	action := domain.RecallAction(strings.ToUpper(strings.TrimSpace(string(req.Action))))

	now := s.now().UTC()
	var message string
	updated, err := s.repo.UpdateEnrollment(ctx, enrollmentID, func(locked *domain.Enrollment) (*store.Mutation, error) {
		if err := checkOwnership(locked, userID, product); err != nil {
			return nil, err
		}
		if locked.Recalled {
			return nil, ErrAlreadyRecalled
		}
		if locked.State.IsTerminal() {
			return nil, ErrAlreadyTerminal
		}

		disbursement, state, msg, err := rules.Recall(locked, action, now)
		if err != nil {
			return nil, err
		}
		if action == "" && product == domain.ProductGoldPlant {
			action = domain.RecallRedeem
		}
		locked.Recalled = true
		locked.RecallAction = action
		locked.State = state
		locked.Disbursement = disbursement
		locked.PaymentIntent = nil
		message = msg
		return nil, nil
	})
	if err != nil {
		return nil, translateStoreError(err)
	}

	d := updated.Disbursement
	s.logger.Info("enrollment recalled",
		"enrollment_id", updated.ID,
		"product", product,
		"action", updated.RecallAction,
		"refund", d.RefundAmount.String(),
		"charge", d.ChargeAmount.String(),
		"penalty", d.Penalty,
	)

	event := domain.NewEnrollmentEvent(updated, now)
	event.Amount = &d.RefundAmount
	event.Grams = &d.GramsAtRecall
	event.Reason = string(updated.RecallAction)
	s.publish(ctx, domain.EventEnrollmentRecalled, event)

	return &domain.RecallResult{
		EnrollmentID:   updated.ID,
		Product:        updated.Product,
		Action:         updated.RecallAction,
		State:          updated.State,
		TotalAmount:    updated.TotalAmount,
		RefundAmount:   d.RefundAmount,
		ChargeAmount:   d.ChargeAmount,
		Penalty:        d.Penalty,
		GramsAtRecall:  d.GramsAtRecall,
		CoinGrams:      d.CoinGrams,
		AccruedYield:   updated.AccruedYield,
		TotalBonus:     updated.TotalBonus,
		RedirectMarker: d.RedirectMarker,
		Message:        message,
	}, nil
}

func (s *Service) loadOwned(ctx context.Context, userID string, product domain.Product, enrollmentID string) (*domain.Enrollment, error) {
	e, err := s.repo.GetEnrollment(ctx, strings.TrimSpace(enrollmentID))
	if err != nil {
		return nil, translateStoreError(err)
	}
	if err := checkOwnership(e, userID, product); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) consumeAttempt(ctx context.Context, userID, enrollmentID string) error {
	if s.limiter == nil {
		return nil
	}
	err := s.limiter.Allow(ctx, userID, enrollmentID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTooManyAttempts):
		s.logger.Warn("contribute attempts throttled", "user_id", userID, "enrollment_id", enrollmentID, "error", err)
		return err
	}
	s.logger.Warn("contribute attempt limiter unavailable; allowing attempt", "user_id", userID, "enrollment_id", enrollmentID, "error", err)
	return nil
}

func (s *Service) publish(ctx context.Context, routingKey string, event domain.EnrollmentEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, s.cfg.EventExchange, routingKey, event); err != nil {
		s.logger.Warn("failed to publish enrollment event", "routing_key", routingKey, "enrollment_id", event.EnrollmentID, "error", err)
	}
}

func checkOwnership(e *domain.Enrollment, userID string, product domain.Product) error {
	if e.Product != product {
		return ErrEnrollmentNotFound
	}
	if e.UserID != userID {
		return ErrNotOwner
	}
	return nil
}

func checkContributable(e *domain.Enrollment, rules ProductRules, now time.Time) error {
	if e.Recalled {
		return ErrAlreadyRecalled
	}
	if e.State.IsTerminal() {
		return ErrAlreadyTerminal
	}
	return rules.CheckContribution(e, now)
}

func checkIntent(e *domain.Enrollment, orderID string, amount decimal.Decimal) error {
	if e.PaymentIntent == nil {
		return ErrNoPaymentIntent
	}
	if e.PaymentIntent.OrderID != orderID || !e.PaymentIntent.Amount.Equal(amount) {
		return ErrIntentMismatch
	}
	return nil
}

func contributionMessage(e *domain.Enrollment, c *domain.Contribution, activated bool) string {
	msg := fmt.Sprintf("Credited %s g for %s. Total holding is %s g.",
		c.Grams.StringFixed(goldcalc.GramPlaces), c.Amount.StringFixed(2), e.TotalGrams.StringFixed(goldcalc.GramPlaces))
	switch {
	case activated:
		msg += " Your scheme is now activated."
	case c.Period > 0 && c.BonusAmount.IsPositive():
		msg += fmt.Sprintf(" On-time bonus of %s added for period %d.", c.BonusAmount.StringFixed(2), c.Period)
	case c.Period > 0 && !c.OnTime:
		msg += fmt.Sprintf(" Period %d was paid after the due date; no bonus applies.", c.Period)
	}
	return msg
}

// translateStoreError maps store errors onto the service's error kinds.
func translateStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrEnrollmentNotFound):
		return ErrEnrollmentNotFound
	case errors.Is(err, store.ErrSchemeNotFound):
		return ErrUnknownScheme
	case errors.Is(err, store.ErrDuplicatePayment):
		return ErrDuplicatePayment
	case errors.Is(err, store.ErrConcurrentUpdate):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}
