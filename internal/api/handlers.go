/**
 * @description
 * This file contains the HTTP handlers for the scheme-service. Handlers resolve the
 * caller, decode the body, call the lifecycle service and translate its error kinds
 * into status codes. No business rule lives here.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain, internal/jobs: Service calls, models and job runs.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/goldvest/scheme-service/internal/app"
	"github.com/goldvest/scheme-service/internal/domain"
	"github.com/goldvest/scheme-service/internal/jobs"
	"github.com/goldvest/scheme-service/internal/store"
)

// LifecycleService is the part of app.Service the handlers call.
type LifecycleService interface {
	ResolveInternalUserID(ctx context.Context, clerkUserID string) (string, error)
	CurrentRate(ctx context.Context, metal string) (domain.RateSnapshot, error)
	Enroll(ctx context.Context, userID string, product domain.Product, req domain.EnrollRequest) (*domain.Enrollment, error)
	GetEnrollment(ctx context.Context, userID string, product domain.Product, enrollmentID string) (*domain.EnrollmentDetail, error)
	ListEnrollments(ctx context.Context, userID string, product domain.Product) ([]domain.Enrollment, error)
	CreatePaymentIntent(ctx context.Context, userID string, product domain.Product, enrollmentID string, req domain.PaymentIntentRequest) (*domain.PaymentIntent, error)
	Contribute(ctx context.Context, userID string, product domain.Product, enrollmentID string, req domain.ContributeRequest) (*domain.ContributionResult, error)
	Recall(ctx context.Context, userID string, product domain.Product, enrollmentID string, req domain.RecallRequest) (*domain.RecallResult, error)
}

// JobRunner runs the accrual jobs on demand.
type JobRunner interface {
	RunGoldPlantYield(ctx context.Context, now time.Time) (jobs.Summary, error)
	RunSavingPlanExtension(ctx context.Context, now time.Time) (jobs.Summary, error)
}

// Handler holds the dependencies of the HTTP handlers.
type Handler struct {
	service LifecycleService
	jobs    JobRunner
	logger  *slog.Logger
}

// NewHandler creates a new Handler. runner may be nil, which disables the
// internal job routes.
func NewHandler(service LifecycleService, runner JobRunner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, jobs: runner, logger: logger}
}

func (h *Handler) handleGetRate(w http.ResponseWriter, r *http.Request) {
	rate, err := h.service.CurrentRate(r.Context(), chi.URLParam(r, "metal"))
	if err != nil {
		h.fail(w, "get_rate", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rate)
}

func (h *Handler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	userID, product, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req domain.EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.SchemeID) == "" {
		h.writeError(w, http.StatusBadRequest, "scheme_id is required")
		return
	}

	enrollment, err := h.service.Enroll(r.Context(), userID, product, req)
	if err != nil {
		h.fail(w, "enroll", err, "user_id", userID, "product", product, "scheme_id", req.SchemeID)
		return
	}
	h.writeJSON(w, http.StatusCreated, enrollment)
}

func (h *Handler) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	userID, product, ok := h.caller(w, r)
	if !ok {
		return
	}

	enrollments, err := h.service.ListEnrollments(r.Context(), userID, product)
	if err != nil {
		h.fail(w, "list_enrollments", err, "user_id", userID, "product", product)
		return
	}
	h.writeJSON(w, http.StatusOK, enrollments)
}

func (h *Handler) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	userID, product, ok := h.caller(w, r)
	if !ok {
		return
	}
	enrollmentID := chi.URLParam(r, "id")

	detail, err := h.service.GetEnrollment(r.Context(), userID, product, enrollmentID)
	if err != nil {
		h.fail(w, "get_enrollment", err, "user_id", userID, "enrollment_id", enrollmentID)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleCreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	userID, product, ok := h.caller(w, r)
	if !ok {
		return
	}
	enrollmentID := chi.URLParam(r, "id")

	var req domain.PaymentIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	intent, err := h.service.CreatePaymentIntent(r.Context(), userID, product, enrollmentID, req)
	if err != nil {
		h.fail(w, "create_payment_intent", err, "user_id", userID, "enrollment_id", enrollmentID)
		return
	}
	h.writeJSON(w, http.StatusCreated, intent)
}

func (h *Handler) handleContribute(w http.ResponseWriter, r *http.Request) {
	userID, product, ok := h.caller(w, r)
	if !ok {
		return
	}
	enrollmentID := chi.URLParam(r, "id")

	var req domain.ContributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.Contribute(r.Context(), userID, product, enrollmentID, req)
	if err != nil {
		h.fail(w, "contribute", err, "user_id", userID, "enrollment_id", enrollmentID, "payment_id", req.PaymentID)
		return
	}
	h.logger.Info("contribution credited",
		"endpoint", "contribute",
		"enrollment_id", enrollmentID,
		"payment_id", req.PaymentID,
		"grams", result.Contribution.Grams.String(),
	)
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRecall(w http.ResponseWriter, r *http.Request) {
	userID, product, ok := h.caller(w, r)
	if !ok {
		return
	}
	enrollmentID := chi.URLParam(r, "id")

	var req domain.RecallRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	result, err := h.service.Recall(r.Context(), userID, product, enrollmentID, req)
	if err != nil {
		h.fail(w, "recall", err, "user_id", userID, "enrollment_id", enrollmentID, "action", req.Action)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// handleRunJob runs one accrual job for the instant given by ?at= (RFC3339), or now.
func (h *Handler) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.writeError(w, http.StatusNotFound, "job runner is not enabled")
		return
	}

	now := time.Now()
	if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "at must be an RFC3339 timestamp")
			return
		}
		now = at
	}

	var (
		summary jobs.Summary
		err     error
	)
	switch job := chi.URLParam(r, "job"); job {
	case "yield", jobs.JobGoldPlantYield:
		summary, err = h.jobs.RunGoldPlantYield(r.Context(), now)
	case "extension", jobs.JobSavingPlanExtension:
		summary, err = h.jobs.RunSavingPlanExtension(r.Context(), now)
	default:
		h.writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if err != nil {
		if errors.Is(err, jobs.ErrAlreadyRunning) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("job run failed", "endpoint", "run_job", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// caller resolves the authenticated participant and the product in the path.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, domain.Product, bool) {
	product, ok := domain.ParseProduct(chi.URLParam(r, "product"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "Unknown product")
		return "", "", false
	}

	clerkUserID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return "", "", false
	}

	userID, err := h.service.ResolveInternalUserID(r.Context(), clerkUserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			h.logger.Warn("user resolution failed", "clerk_user_id", clerkUserID)
			h.writeError(w, http.StatusNotFound, "User not found")
			return "", "", false
		}
		h.logger.Error("user resolution failed", "clerk_user_id", clerkUserID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return "", "", false
	}
	return userID, product, true
}

// fail logs err and writes the response for its kind.
func (h *Handler) fail(w http.ResponseWriter, endpoint string, err error, attrs ...any) {
	status, message := errorResponse(err)
	args := append([]any{"endpoint", endpoint, "status", status, "error", err}, attrs...)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", args...)
	} else {
		h.logger.Warn("request rejected", args...)
	}
	var limitErr *app.AttemptLimitError
	if errors.As(err, &limitErr) {
		w.Header().Set("Retry-After", strconv.Itoa(limitErr.RetryAfterSeconds()))
	}
	h.writeError(w, status, message)
}

// errorResponse maps an error kind to a status code and a client-safe message.
func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrEnrollmentNotFound), errors.Is(err, app.ErrUnknownScheme):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, app.ErrTooManyAttempts):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrAuthentication):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, app.ErrState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, app.ErrConflict):
		return http.StatusConflict, app.ErrConflict.Error() + "; retry the request"
	case errors.Is(err, app.ErrDependency):
		for _, sentinel := range []error{app.ErrGatewayUnavailable, app.ErrRateStale, app.ErrRateUnavailable} {
			if errors.Is(err, sentinel) {
				return http.StatusServiceUnavailable, sentinel.Error()
			}
		}
		return http.StatusServiceUnavailable, app.ErrDependency.Error()
	}
	return http.StatusInternalServerError, "Internal server error"
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.logger.Error("failed to encode response", "error", err)
		}
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
