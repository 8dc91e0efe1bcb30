package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func protected() (http.Handler, *string) {
	var gotSubject string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(testSecret)(h), &gotSubject
}

func TestMiddlewareAcceptsBearerHeader(t *testing.T) {
	h, subject := protected()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cameras", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "usr_1", time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if *subject != "usr_1" {
		t.Fatalf("expected subject usr_1 in context, got %q", *subject)
	}
}

func TestMiddlewareAcceptsQueryToken(t *testing.T) {
	h, subject := protected()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/ws?token="+signToken(t, testSecret, "usr_2", time.Now().Add(time.Hour)), nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if *subject != "usr_2" {
		t.Fatalf("expected subject usr_2 in context, got %q", *subject)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	h, _ := protected()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cameras", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	h, _ := protected()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cameras", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "usr_1", time.Now().Add(-time.Minute)))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsWrongSecret(t *testing.T) {
	h, _ := protected()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cameras", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret", "usr_1", time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", rec.Code)
	}
}
