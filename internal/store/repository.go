/**
 * @description
 * This file defines the Repository contract for the scheme-service. The lifecycle
 * service and the accrual jobs depend on this interface, never on pgx directly,
 * which keeps the business rules testable with in-memory stubs.
 *
 * Every mutation of an enrollment goes through UpdateEnrollment: the implementation
 * locks the row, hands the current state to the caller's function, and persists the
 * edited enrollment together with any ledger and audit rows in one transaction.
 */
package store

import (
	"context"
	"errors"

	"github.com/goldvest/scheme-service/internal/domain"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrSchemeNotFound     = errors.New("scheme not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrDuplicatePayment   = errors.New("payment has already been recorded")
	ErrConcurrentUpdate   = errors.New("enrollment was modified concurrently")
	// ErrNoChange is returned by a MutateFunc to release the lock without writing.
	ErrNoChange = errors.New("no change")
)

// Mutation lists the rows to append alongside an enrollment update.
type Mutation struct {
	Contribution *domain.Contribution
	Audit        *domain.PaymentAudit
}

// MutateFunc edits the locked enrollment in place. It must not perform network I/O.
type MutateFunc func(e *domain.Enrollment) (*Mutation, error)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Participant directory and scheme catalog (read-only here).
	FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error)
	GetScheme(ctx context.Context, schemeID string) (*domain.Scheme, error)

	// Enrollment store and contribution ledger.
	CreateEnrollment(ctx context.Context, e *domain.Enrollment) error
	GetEnrollment(ctx context.Context, enrollmentID string) (*domain.Enrollment, error)
	ListEnrollmentsByUser(ctx context.Context, userID string, product domain.Product) ([]domain.Enrollment, error)
	ListEnrollmentsByState(ctx context.Context, product domain.Product, state domain.State) ([]domain.Enrollment, error)
	ListContributions(ctx context.Context, enrollmentID string) ([]domain.Contribution, error)
	UpdateEnrollment(ctx context.Context, enrollmentID string, fn MutateFunc) (*domain.Enrollment, error)
}
