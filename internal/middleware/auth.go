package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/groupchat/internal/auth"
	"github.com/groupchat/internal/logger"
)

// Authenticate verifies the request's bearer token and puts the resolved
// user_id into the context. Token sources, in order: Authorization header,
// X-Auth-Token header, "token" query parameter (WebSocket clients cannot set
// headers from the browser).
func Authenticate(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			userID, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.Infof("auth rejected token=%s: %v", MaskToken(token), err)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if h := r.Header.Get("X-Auth-Token"); h != "" {
		return h
	}
	return r.URL.Query().Get("token")
}
