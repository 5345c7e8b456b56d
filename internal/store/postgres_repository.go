/**
 * @description
 * This file implements the Repository interface on PostgreSQL using pgx. It contains
 * the SQL for the scheme_enrollments, scheme_contributions and scheme_payment_audit
 * tables, and the locked read-modify-write used by every enrollment mutation.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pool.
 * - github.com/shopspring/decimal: NUMERIC columns are scanned into decimals.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/goldvest/scheme-service/internal/domain"
)

const maxUpdateAttempts = 3

const enrollmentColumns = `
	id, user_id, product, scheme_id, state, start_date,
	total_amount, total_grams, activated, lock_in_completed, recalled, recall_action,
	extra_periods, payment_order_id, payment_order_amount, payment_order_created_at,
	invested_amount, accrued_yield, last_yield_period,
	base_periods, paid_periods, total_bonus, last_extended_period, last_paid_period,
	refund_amount, charge_amount, penalty, grams_at_recall, coin_grams, redirect_marker, recalled_at,
	version, created_at, updated_at`

// PostgresRepository is the pgx implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserIDByClerkUserID resolves the internal user id from a Clerk subject.
func (r *PostgresRepository) FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, `SELECT id::text FROM users WHERE clerk_user_id = $1`, clerkUserID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return id, nil
}

// GetScheme reads one catalog entry.
func (r *PostgresRepository) GetScheme(ctx context.Context, schemeID string) (*domain.Scheme, error) {
	if !isUUID(schemeID) {
		return nil, ErrSchemeNotFound
	}
	var s domain.Scheme
	query := `
		SELECT id::text, product, name, status, minimum_amount, duration_months
		FROM schemes
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, schemeID).Scan(
		&s.ID, &s.Product, &s.Name, &s.Status, &s.MinimumAmount, &s.DurationMonths,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSchemeNotFound
		}
		return nil, err
	}
	return &s, nil
}

// CreateEnrollment inserts a new enrollment row.
func (r *PostgresRepository) CreateEnrollment(ctx context.Context, e *domain.Enrollment) error {
	query := `
		INSERT INTO scheme_enrollments (
			id, user_id, product, scheme_id, state, start_date,
			total_amount, total_grams, activated, lock_in_completed, recalled,
			extra_periods, invested_amount, accrued_yield, base_periods, paid_periods,
			total_bonus, last_extended_period, last_paid_period, penalty, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, FALSE, 1, $20, $20)
	`
	_, err := r.db.Exec(ctx, query,
		e.ID, e.UserID, e.Product, e.SchemeID, e.State, e.StartDate,
		e.TotalAmount, e.TotalGrams, e.Activated, e.LockInDone, e.Recalled,
		e.ExtraPeriods, e.InvestedAmount, e.AccruedYield, e.BasePeriods, e.PaidPeriods,
		e.TotalBonus, e.LastExtendedPeriod, e.LastPaidPeriod, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert enrollment: %w", err)
	}
	e.Version = 1
	e.UpdatedAt = e.CreatedAt
	return nil
}

// GetEnrollment reads one enrollment without locking it.
func (r *PostgresRepository) GetEnrollment(ctx context.Context, enrollmentID string) (*domain.Enrollment, error) {
	if !isUUID(enrollmentID) {
		return nil, ErrEnrollmentNotFound
	}
	row := r.db.QueryRow(ctx, `SELECT `+enrollmentColumns+` FROM scheme_enrollments WHERE id = $1`, enrollmentID)
	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, err
	}
	return e, nil
}

// ListEnrollmentsByUser returns a participant's enrollments for one product, newest first.
func (r *PostgresRepository) ListEnrollmentsByUser(ctx context.Context, userID string, product domain.Product) ([]domain.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + `
		FROM scheme_enrollments
		WHERE user_id = $1 AND product = $2
		ORDER BY created_at DESC`
	return r.queryEnrollments(ctx, query, userID, product)
}

// ListEnrollmentsByState returns every enrollment of a product in the given state.
func (r *PostgresRepository) ListEnrollmentsByState(ctx context.Context, product domain.Product, state domain.State) ([]domain.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + `
		FROM scheme_enrollments
		WHERE product = $1 AND state = $2
		ORDER BY start_date`
	return r.queryEnrollments(ctx, query, product, state)
}

func (r *PostgresRepository) queryEnrollments(ctx context.Context, query string, args ...any) ([]domain.Enrollment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ListContributions returns an enrollment's ledger in payment order.
func (r *PostgresRepository) ListContributions(ctx context.Context, enrollmentID string) ([]domain.Contribution, error) {
	query := `
		SELECT id::text, enrollment_id::text, COALESCE(period, 0), paid_at, amount, grams,
		       rate_per_gram, bonus_amount, on_time, order_id, payment_id
		FROM scheme_contributions
		WHERE enrollment_id = $1
		ORDER BY paid_at, period
	`
	rows, err := r.db.Query(ctx, query, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Contribution
	for rows.Next() {
		var c domain.Contribution
		if err := rows.Scan(
			&c.ID, &c.EnrollmentID, &c.Period, &c.PaidAt, &c.Amount, &c.Grams,
			&c.RatePerGram, &c.BonusAmount, &c.OnTime, &c.OrderID, &c.PaymentID,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateEnrollment locks the enrollment row, applies fn and persists the result with
// any contribution and audit rows in the same transaction. Serialization failures
// and deadlocks are retried against a freshly read row.
func (r *PostgresRepository) UpdateEnrollment(ctx context.Context, enrollmentID string, fn MutateFunc) (*domain.Enrollment, error) {
	if !isUUID(enrollmentID) {
		return nil, ErrEnrollmentNotFound
	}
	var lastErr error
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		e, err := r.updateEnrollmentOnce(ctx, enrollmentID, fn)
		if err == nil || !isRetryable(err) {
			return e, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		time.Sleep(time.Duration(attempt) * 25 * time.Millisecond)
	}
	return nil, fmt.Errorf("%w: %v", ErrConcurrentUpdate, lastErr)
}

func (r *PostgresRepository) updateEnrollmentOnce(ctx context.Context, enrollmentID string, fn MutateFunc) (*domain.Enrollment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Use FOR UPDATE to lock the row, preventing interleaved read-modify-write.
	row := tx.QueryRow(ctx, `SELECT `+enrollmentColumns+` FROM scheme_enrollments WHERE id = $1 FOR UPDATE`, enrollmentID)
	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("failed to get and lock enrollment: %w", err)
	}

	mutation, err := fn(e)
	if err != nil {
		if errors.Is(err, ErrNoChange) {
			return e, err
		}
		return nil, err
	}

	now := time.Now().UTC()
	if mutation != nil && mutation.Audit != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO scheme_payment_audit (payment_id, order_id, signature, enrollment_id, user_id, amount, verified_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, mutation.Audit.PaymentID, mutation.Audit.OrderID, mutation.Audit.Signature,
			mutation.Audit.EnrollmentID, mutation.Audit.UserID, mutation.Audit.Amount, mutation.Audit.VerifiedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrDuplicatePayment
			}
			return nil, fmt.Errorf("failed to record payment audit: %w", err)
		}
	}

	if mutation != nil && mutation.Contribution != nil {
		c := mutation.Contribution
		var period *int
		if c.Period > 0 {
			period = &c.Period
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO scheme_contributions (
				id, enrollment_id, period, paid_at, amount, grams, rate_per_gram,
				bonus_amount, on_time, order_id, payment_id
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, c.ID, c.EnrollmentID, period, c.PaidAt, c.Amount, c.Grams, c.RatePerGram,
			c.BonusAmount, c.OnTime, c.OrderID, c.PaymentID)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrDuplicatePayment
			}
			return nil, fmt.Errorf("failed to insert contribution: %w", err)
		}
	}

	if err := updateEnrollmentRow(ctx, tx, e, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit enrollment update: %w", err)
	}
	e.Version++
	e.UpdatedAt = now
	return e, nil
}

func updateEnrollmentRow(ctx context.Context, tx pgx.Tx, e *domain.Enrollment, now time.Time) error {
	var orderID *string
	var orderAmount decimal.NullDecimal
	var orderCreatedAt *time.Time
	if e.PaymentIntent != nil {
		orderID = &e.PaymentIntent.OrderID
		orderAmount = decimal.NewNullDecimal(e.PaymentIntent.Amount)
		orderCreatedAt = &e.PaymentIntent.CreatedAt
	}

	var recallAction *string
	if e.RecallAction != "" {
		action := string(e.RecallAction)
		recallAction = &action
	}
	var lastYieldPeriod *string
	if e.LastYieldPeriod != "" {
		lastYieldPeriod = &e.LastYieldPeriod
	}

	var refund, charge, gramsAtRecall, coinGrams decimal.NullDecimal
	var redirect *string
	var recalledAt *time.Time
	penalty := false
	if d := e.Disbursement; d != nil {
		refund = decimal.NewNullDecimal(d.RefundAmount)
		charge = decimal.NewNullDecimal(d.ChargeAmount)
		gramsAtRecall = decimal.NewNullDecimal(d.GramsAtRecall)
		coinGrams = decimal.NewNullDecimal(d.CoinGrams)
		if d.RedirectMarker != "" {
			redirect = &d.RedirectMarker
		}
		recalledAt = &d.RecalledAt
		penalty = d.Penalty
	}

	tag, err := tx.Exec(ctx, `
		UPDATE scheme_enrollments
		SET state = $2,
		    total_amount = $3,
		    total_grams = $4,
		    activated = $5,
		    lock_in_completed = $6,
		    recalled = $7,
		    recall_action = $8,
		    extra_periods = $9,
		    payment_order_id = $10,
		    payment_order_amount = $11,
		    payment_order_created_at = $12,
		    accrued_yield = $13,
		    last_yield_period = $14,
		    paid_periods = $15,
		    total_bonus = $16,
		    last_extended_period = $17,
		    last_paid_period = $18,
		    refund_amount = $19,
		    charge_amount = $20,
		    penalty = $21,
		    grams_at_recall = $22,
		    coin_grams = $23,
		    redirect_marker = $24,
		    recalled_at = $25,
		    version = version + 1,
		    updated_at = $26
		WHERE id = $1 AND version = $27
	`, e.ID, e.State, e.TotalAmount, e.TotalGrams, e.Activated, e.LockInDone, e.Recalled, recallAction,
		e.ExtraPeriods, orderID, orderAmount, orderCreatedAt,
		e.AccruedYield, lastYieldPeriod, e.PaidPeriods, e.TotalBonus, e.LastExtendedPeriod, e.LastPaidPeriod,
		refund, charge, penalty, gramsAtRecall, coinGrams, redirect, recalledAt,
		now, e.Version)
	if err != nil {
		return fmt.Errorf("failed to update enrollment: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrConcurrentUpdate
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(row rowScanner) (*domain.Enrollment, error) {
	var e domain.Enrollment
	var recallAction, orderID, lastYieldPeriod, redirect *string
	var orderAmount, refund, charge, gramsAtRecall, coinGrams decimal.NullDecimal
	var orderCreatedAt, recalledAt *time.Time
	var penalty bool

	err := row.Scan(
		&e.ID, &e.UserID, &e.Product, &e.SchemeID, &e.State, &e.StartDate,
		&e.TotalAmount, &e.TotalGrams, &e.Activated, &e.LockInDone, &e.Recalled, &recallAction,
		&e.ExtraPeriods, &orderID, &orderAmount, &orderCreatedAt,
		&e.InvestedAmount, &e.AccruedYield, &lastYieldPeriod,
		&e.BasePeriods, &e.PaidPeriods, &e.TotalBonus, &e.LastExtendedPeriod, &e.LastPaidPeriod,
		&refund, &charge, &penalty, &gramsAtRecall, &coinGrams, &redirect, &recalledAt,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if recallAction != nil {
		e.RecallAction = domain.RecallAction(*recallAction)
	}
	if lastYieldPeriod != nil {
		e.LastYieldPeriod = *lastYieldPeriod
	}
	if orderID != nil {
		e.PaymentIntent = &domain.PaymentIntent{OrderID: *orderID, Amount: orderAmount.Decimal}
		if orderCreatedAt != nil {
			e.PaymentIntent.CreatedAt = *orderCreatedAt
		}
	}
	if recalledAt != nil {
		e.Disbursement = &domain.Disbursement{
			RefundAmount:  refund.Decimal,
			ChargeAmount:  charge.Decimal,
			Penalty:       penalty,
			GramsAtRecall: gramsAtRecall.Decimal,
			CoinGrams:     coinGrams.Decimal,
			RecalledAt:    *recalledAt,
		}
		if redirect != nil {
			e.Disbursement.RedirectMarker = *redirect
		}
	}
	return &e, nil
}

// isUUID keeps malformed path ids from reaching Postgres as cast errors.
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isRetryable reports serialization failures, deadlocks and lost optimistic checks.
func isRetryable(err error) bool {
	if errors.Is(err, ErrConcurrentUpdate) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
