package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newJWTService(t *testing.T, now time.Time) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: ModeJWT, Secret: "test-secret", Issuer: "vaultpilot", Audience: "api", TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.clock = func() time.Time { return now }
	return svc
}

func bearer(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestIssueAndAuthenticate(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	svc := newJWTService(t, now)

	token, expires, err := svc.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !expires.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry: %v", expires)
	}
	subject, err := svc.AuthenticateRequest(context.Background(), bearer(token))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Owner != "alice" || subject.Mode != ModeJWT || !subject.Owns("alice") || subject.Owns("bob") {
		t.Fatalf("unexpected subject: %+v", subject)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	svc := newJWTService(t, now)
	valid, _, _ := svc.Issue("alice")

	other := newJWTService(t, now)
	other.secret = []byte("another-secret")
	forged, _, _ := other.Issue("alice")

	stale := newJWTService(t, now.Add(-2*time.Hour))
	expired, _, _ := stale.Issue("alice")

	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]struct {
		header string
		want   error
	}{
		"missing header": {"", ErrMissingToken},
		"wrong scheme":   {"Basic " + valid, ErrMissingToken},
		"forged":         {"Bearer " + forged, ErrInvalidToken},
		"expired":        {"Bearer " + expired, ErrTokenExpired},
		"alg none":       {"Bearer " + unsigned, ErrInvalidToken},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if _, err := svc.AuthenticateRequest(context.Background(), req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDisabledModeReadsOwnerHeader(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.Mode() != ModeDisabled {
		t.Fatalf("expected disabled mode, got %s", svc.Mode())
	}
	if _, _, err := svc.Issue("alice"); !errors.Is(err, ErrIssueDisabled) {
		t.Fatalf("disabled mode must not issue tokens, got %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	if _, err := svc.AuthenticateRequest(context.Background(), req); !errors.Is(err, ErrMissingOwner) {
		t.Fatalf("expected missing owner, got %v", err)
	}
	req.Header.Set(OwnerHeader, "bob")
	subject, err := svc.AuthenticateRequest(context.Background(), req)
	if err != nil || subject.Owner != "bob" {
		t.Fatalf("unexpected subject %+v err=%v", subject, err)
	}
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Config{Mode: ModeJWT}); err == nil {
		t.Fatalf("jwt mode without secret must fail")
	}
	if _, err := NewService(Config{Mode: "oauth"}); err == nil {
		t.Fatalf("unknown mode must fail")
	}
}

func TestMiddleware(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	svc := newJWTService(t, now)
	token, _, _ := svc.Issue("alice")

	var seen string
	handler := svc.Middleware(MiddlewareConfig{PublicPaths: []string{"/healthz"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OwnerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected 401 with challenge, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent || seen != "" {
		t.Fatalf("public path must bypass auth: code=%d owner=%q", rec.Code, seen)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, bearer(token))
	if rec.Code != http.StatusNoContent || seen != "alice" {
		t.Fatalf("expected owner alice, code=%d owner=%q", rec.Code, seen)
	}
}
