package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	m := NewManager("secret", time.Hour)
	token, err := m.GenerateToken(42)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := m.ParseToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != 42 || claims.Issuer != "fleet-report" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := NewManager("other", time.Hour).ParseToken(token); err == nil {
		t.Fatalf("expected signature error")
	}
}

func TestParseExpired(t *testing.T) {
	m := NewManager("secret", -time.Minute)
	token, err := m.GenerateToken(1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := m.ParseToken(token); err == nil {
		t.Fatalf("expected expired token error")
	}
}

func TestMiddleware(t *testing.T) {
	m := NewManager("secret", time.Hour)
	var seen int64
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}

	token, _ := m.GenerateToken(7)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen != 7 {
		t.Fatalf("expected user 7 to pass, got %d user %d", rec.Code, seen)
	}
}
