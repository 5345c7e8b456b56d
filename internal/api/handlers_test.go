package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/goldvest/scheme-service/internal/app"
	"github.com/goldvest/scheme-service/internal/domain"
	"github.com/goldvest/scheme-service/internal/jobs"
	"github.com/goldvest/scheme-service/internal/store"
)

type serviceStub struct {
	users map[string]string

	enrollErr     error
	contributeErr error
	recallErr     error

	lastProduct domain.Product
	lastEnroll  domain.EnrollRequest
	lastRecall  domain.RecallRequest
}

func newServiceStub() *serviceStub {
	return &serviceStub{users: map[string]string{"clerk_1": "user-1"}}
}

func (s *serviceStub) ResolveInternalUserID(ctx context.Context, clerkUserID string) (string, error) {
	if id, ok := s.users[clerkUserID]; ok {
		return id, nil
	}
	return "", store.ErrUserNotFound
}

func (s *serviceStub) CurrentRate(ctx context.Context, metal string) (domain.RateSnapshot, error) {
	return domain.RateSnapshot{Metal: metal, PerGram: decimal.NewFromInt(7200), Currency: "INR"}, nil
}

func (s *serviceStub) Enroll(ctx context.Context, userID string, product domain.Product, req domain.EnrollRequest) (*domain.Enrollment, error) {
	s.lastProduct = product
	s.lastEnroll = req
	if s.enrollErr != nil {
		return nil, s.enrollErr
	}
	return &domain.Enrollment{ID: "enr-1", UserID: userID, Product: product, SchemeID: req.SchemeID, State: domain.StateEnrolled}, nil
}

func (s *serviceStub) GetEnrollment(ctx context.Context, userID string, product domain.Product, enrollmentID string) (*domain.EnrollmentDetail, error) {
	if enrollmentID != "enr-1" {
		return nil, app.ErrEnrollmentNotFound
	}
	return &domain.EnrollmentDetail{
		Enrollment:    &domain.Enrollment{ID: enrollmentID, UserID: userID, Product: product},
		Contributions: []domain.Contribution{},
	}, nil
}

func (s *serviceStub) ListEnrollments(ctx context.Context, userID string, product domain.Product) ([]domain.Enrollment, error) {
	return []domain.Enrollment{}, nil
}

func (s *serviceStub) CreatePaymentIntent(ctx context.Context, userID string, product domain.Product, enrollmentID string, req domain.PaymentIntentRequest) (*domain.PaymentIntent, error) {
	return &domain.PaymentIntent{OrderID: "order_1", Amount: req.Amount}, nil
}

func (s *serviceStub) Contribute(ctx context.Context, userID string, product domain.Product, enrollmentID string, req domain.ContributeRequest) (*domain.ContributionResult, error) {
	if s.contributeErr != nil {
		return nil, s.contributeErr
	}
	c := &domain.Contribution{ID: "c-1", EnrollmentID: enrollmentID, Amount: req.Amount, Grams: decimal.RequireFromString("0.1389")}
	return &domain.ContributionResult{Contribution: c, Enrollment: &domain.Enrollment{ID: enrollmentID}}, nil
}

func (s *serviceStub) Recall(ctx context.Context, userID string, product domain.Product, enrollmentID string, req domain.RecallRequest) (*domain.RecallResult, error) {
	s.lastRecall = req
	if s.recallErr != nil {
		return nil, s.recallErr
	}
	return &domain.RecallResult{EnrollmentID: enrollmentID, Product: product, Action: req.Action}, nil
}

type jobRunnerStub struct {
	err    error
	ranAt  time.Time
	ranJob string
}

func (j *jobRunnerStub) RunGoldPlantYield(ctx context.Context, now time.Time) (jobs.Summary, error) {
	j.ranAt, j.ranJob = now, jobs.JobGoldPlantYield
	return jobs.Summary{Job: jobs.JobGoldPlantYield, Period: "2026-10", Scanned: 3, Updated: 2, Skipped: 1}, j.err
}

func (j *jobRunnerStub) RunSavingPlanExtension(ctx context.Context, now time.Time) (jobs.Summary, error) {
	j.ranAt, j.ranJob = now, jobs.JobSavingPlanExtension
	return jobs.Summary{Job: jobs.JobSavingPlanExtension}, j.err
}

// headerAuth trusts X-Test-User so handler tests can skip JWT validation.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get("X-Test-User"); user != "" {
			r = r.WithContext(context.WithValue(r.Context(), clerkUserIDKey, user))
		}
		next.ServeHTTP(w, r)
	})
}

func newTestRouter(svc *serviceStub, runner JobRunner) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(NewHandler(svc, runner, logger), headerAuth, "internal-key")
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %q", rec.Body.String())
	}
	return body["error"]
}

var asUser = map[string]string{"X-Test-User": "clerk_1"}

func TestHealth(t *testing.T) {
	rec := doRequest(t, newTestRouter(newServiceStub(), nil), http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestEnroll_ParsesProductAndBody(t *testing.T) {
	svc := newServiceStub()
	router := newTestRouter(svc, nil)

	rec := doRequest(t, router, http.MethodPost, "/gold-plant/enrollments", `{"scheme_id":"gp-1","invested_amount":"10000"}`, asUser)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.lastProduct != domain.ProductGoldPlant {
		t.Fatalf("expected gold plant product, got %q", svc.lastProduct)
	}
	if !svc.lastEnroll.InvestedAmount.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("unexpected invested amount %s", svc.lastEnroll.InvestedAmount)
	}

	var enrollment domain.Enrollment
	if err := json.Unmarshal(rec.Body.Bytes(), &enrollment); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if enrollment.ID != "enr-1" || enrollment.UserID != "user-1" {
		t.Fatalf("unexpected enrollment %+v", enrollment)
	}
}

func TestEnroll_RejectsBadInput(t *testing.T) {
	router := newTestRouter(newServiceStub(), nil)

	tests := []struct {
		name    string
		path    string
		body    string
		headers map[string]string
		want    int
	}{
		{name: "unknown product", path: "/silver/enrollments", body: `{"scheme_id":"x"}`, headers: asUser, want: http.StatusNotFound},
		{name: "malformed body", path: "/cashback/enrollments", body: `{`, headers: asUser, want: http.StatusBadRequest},
		{name: "missing scheme", path: "/cashback/enrollments", body: `{}`, headers: asUser, want: http.StatusBadRequest},
		{name: "no identity", path: "/cashback/enrollments", body: `{"scheme_id":"cb-1"}`, want: http.StatusUnauthorized},
		{name: "unknown participant", path: "/cashback/enrollments", body: `{"scheme_id":"cb-1"}`, headers: map[string]string{"X-Test-User": "clerk_9"}, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, tt.path, tt.body, tt.headers)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if errorBody(t, rec) == "" {
				t.Fatal("expected an error message")
			}
		})
	}
}

func TestContribute_MapsErrorKinds(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    int
		wantMsg string
	}{
		{name: "bad signature", err: app.ErrSignatureInvalid, want: http.StatusUnauthorized},
		{name: "duplicate", err: app.ErrDuplicatePayment, want: http.StatusConflict},
		{name: "intent mismatch", err: app.ErrIntentMismatch, want: http.StatusBadRequest},
		{name: "throttled", err: app.ErrTooManyAttempts, want: http.StatusTooManyRequests},
		{name: "conflict", err: fmt.Errorf("%w: %w", app.ErrConflict, store.ErrConcurrentUpdate), want: http.StatusConflict},
		{
			name:    "gateway down hides cause",
			err:     fmt.Errorf("%w: %w", app.ErrGatewayUnavailable, errors.New("dial tcp 10.0.0.7:443: refused")),
			want:    http.StatusServiceUnavailable,
			wantMsg: app.ErrGatewayUnavailable.Error(),
		},
		{name: "stale rate", err: fmt.Errorf("%w: fetched at x", app.ErrRateStale), want: http.StatusServiceUnavailable, wantMsg: app.ErrRateStale.Error()},
		{name: "unexpected", err: errors.New("pool closed"), want: http.StatusInternalServerError, wantMsg: "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newServiceStub()
			svc.contributeErr = tt.err
			rec := doRequest(t, newTestRouter(svc, nil), http.MethodPost, "/cashback/enrollments/enr-1/contributions",
				`{"amount":"1000","order_id":"order_1","payment_id":"pay_1","signature":"abc"}`, asUser)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.wantMsg != "" && errorBody(t, rec) != tt.wantMsg {
				t.Fatalf("expected message %q, got %q", tt.wantMsg, errorBody(t, rec))
			}
		})
	}
}

func TestContribute_ThrottledSetsRetryAfter(t *testing.T) {
	svc := newServiceStub()
	svc.contributeErr = &app.AttemptLimitError{Attempts: 11, RetryAfter: 1500 * time.Millisecond}
	rec := doRequest(t, newTestRouter(svc, nil), http.MethodPost, "/cashback/enrollments/enr-1/contributions",
		`{"amount":"1000","order_id":"order_1","payment_id":"pay_1","signature":"abc"}`, asUser)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
}

func TestContribute_Success(t *testing.T) {
	rec := doRequest(t, newTestRouter(newServiceStub(), nil), http.MethodPost, "/cashback/enrollments/enr-1/contributions",
		`{"amount":1000,"order_id":"order_1","payment_id":"pay_1","signature":"abc"}`, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result domain.ContributionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Contribution == nil || result.Contribution.Grams.String() != "0.1389" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRecall_EmptyBodyAndAction(t *testing.T) {
	svc := newServiceStub()
	router := newTestRouter(svc, nil)

	rec := doRequest(t, router, http.MethodPost, "/gold_plant/enrollments/enr-1/recall", "", asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for bodiless recall, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.lastRecall.Action != "" {
		t.Fatalf("expected empty action, got %q", svc.lastRecall.Action)
	}

	rec = doRequest(t, router, http.MethodPost, "/cashback/enrollments/enr-1/recall", `{"action":"SELL"}`, asUser)
	if rec.Code != http.StatusOK || svc.lastRecall.Action != domain.RecallSell {
		t.Fatalf("expected SELL recall to pass through, got %d %q", rec.Code, svc.lastRecall.Action)
	}

	svc.recallErr = app.ErrNotActivated
	rec = doRequest(t, router, http.MethodPost, "/cashback/enrollments/enr-1/recall", `{"action":"COIN"}`, asUser)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for inactive recall, got %d", rec.Code)
	}
}

func TestGetEnrollment_NotFound(t *testing.T) {
	router := newTestRouter(newServiceStub(), nil)

	rec := doRequest(t, router, http.MethodGet, "/saving-plan/enrollments/enr-1", "", asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doRequest(t, router, http.MethodGet, "/saving-plan/enrollments/missing", "", asUser)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRunJob_RequiresInternalKey(t *testing.T) {
	runner := &jobRunnerStub{}
	router := newTestRouter(newServiceStub(), runner)

	rec := doRequest(t, router, http.MethodPost, "/internal/jobs/yield/run", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	rec = doRequest(t, router, http.MethodPost, "/internal/jobs/yield/run", "", map[string]string{"X-Internal-API-Key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}
	if runner.ranJob != "" {
		t.Fatal("job must not run without a valid key")
	}
}

func TestRunJob_RunsForRequestedInstant(t *testing.T) {
	runner := &jobRunnerStub{}
	router := newTestRouter(newServiceStub(), runner)
	key := map[string]string{"X-Internal-API-Key": "internal-key"}

	rec := doRequest(t, router, http.MethodPost, "/internal/jobs/yield/run?at=2026-10-01T01:00:00Z", "", key)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if runner.ranJob != jobs.JobGoldPlantYield || !runner.ranAt.Equal(time.Date(2026, 10, 1, 1, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected run %s at %s", runner.ranJob, runner.ranAt)
	}
	var summary jobs.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil || summary.Updated != 2 {
		t.Fatalf("unexpected summary %+v (%v)", summary, err)
	}

	rec = doRequest(t, router, http.MethodPost, "/internal/jobs/extension/run?at=yesterday", "", key)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timestamp, got %d", rec.Code)
	}
	rec = doRequest(t, router, http.MethodPost, "/internal/jobs/compound/run", "", key)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}

	runner.err = jobs.ErrAlreadyRunning
	rec = doRequest(t, router, http.MethodPost, "/internal/jobs/extension/run", "", key)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while another run holds the lock, got %d", rec.Code)
	}
}

func TestClerkAuthMiddleware(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kid": "k1",
				"kty": "RSA",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(priv.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.E)).Bytes()),
			}},
		})
	}))
	defer jwks.Close()

	sign := func(kid string, claims jwt.MapClaims) string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = kid
		signed, err := token.SignedString(priv)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return signed
	}

	var seen string
	protected := ClerkAuthMiddleware(ClerkAuthConfig{
		JWKSURL:  jwks.URL,
		Audience: "scheme-api",
		Issuer:   "https://clerk.goldvest.test",
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetClerkUserID(r.Context())
	}))

	exp := time.Now().Add(time.Hour).Unix()
	claims := func(overrides jwt.MapClaims) jwt.MapClaims {
		c := jwt.MapClaims{"sub": "clerk_1", "exp": exp, "aud": "scheme-api", "iss": "https://clerk.goldvest.test"}
		for k, v := range overrides {
			if v == nil {
				delete(c, k)
				continue
			}
			c[k] = v
		}
		return c
	}
	hmacToken := jwt.NewWithClaims(jwt.SigningMethodHS256, claims(nil))
	hmacToken.Header["kid"] = "k1"
	hmacSigned, err := hmacToken.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign hs256: %v", err)
	}
	tests := []struct {
		name   string
		header string
		want   int
		user   string
	}{
		{name: "valid", header: "Bearer " + sign("k1", claims(nil)), want: http.StatusOK, user: "clerk_1"},
		{name: "audience list", header: "Bearer " + sign("k1", claims(jwt.MapClaims{"aud": []string{"other", "scheme-api"}})), want: http.StatusOK, user: "clerk_1"},
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Token abc", want: http.StatusUnauthorized},
		{name: "unknown kid", header: "Bearer " + sign("k2", claims(nil)), want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + sign("k1", claims(jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})), want: http.StatusUnauthorized},
		{name: "no expiry", header: "Bearer " + sign("k1", claims(jwt.MapClaims{"exp": nil})), want: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + sign("k1", claims(jwt.MapClaims{"sub": nil})), want: http.StatusUnauthorized},
		{name: "wrong audience", header: "Bearer " + sign("k1", claims(jwt.MapClaims{"aud": "another-api"})), want: http.StatusUnauthorized},
		{name: "wrong issuer", header: "Bearer " + sign("k1", claims(jwt.MapClaims{"iss": "https://evil.test"})), want: http.StatusUnauthorized},
		{name: "hmac algorithm", header: "Bearer " + hmacSigned, want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/rates/gold", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if seen != tt.user {
				t.Fatalf("expected user %q in context, got %q", tt.user, seen)
			}
		})
	}
}
