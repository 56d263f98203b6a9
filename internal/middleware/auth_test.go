package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/groupchat/internal/auth"
)

func authProbe(t *testing.T) (http.Handler, *string) {
	t.Helper()
	var gotUserID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return Authenticate(auth.InsecureVerifier{})(next), &gotUserID
}

func TestAuthenticateBearerHeader(t *testing.T) {
	h, userID := authProbe(t)

	req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	req.Header.Set("Authorization", "Bearer dev:42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if *userID != "42" {
		t.Errorf("user id in context = %q, want %q", *userID, "42")
	}
}

func TestAuthenticateQueryToken(t *testing.T) {
	h, userID := authProbe(t)

	req := httptest.NewRequest(http.MethodGet, "/ws?token=dev:7", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if *userID != "7" {
		t.Errorf("user id in context = %q, want %q", *userID, "7")
	}
}

func TestAuthenticateRejectsMissingAndBadTokens(t *testing.T) {
	h, _ := authProbe(t)

	for _, tc := range []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"no token", func(r *http.Request) {}},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic dev:42") }},
		{"invalid token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestMaskToken(t *testing.T) {
	if got := MaskToken("abc"); got != "****" {
		t.Errorf("short token mask = %q", got)
	}
	if got := MaskToken("secrettoken"); got != "secr***" {
		t.Errorf("mask = %q", got)
	}
}
