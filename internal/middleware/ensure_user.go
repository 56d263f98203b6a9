package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/model"
)

// UserProvisioner mirrors a verified identity into the local user directory.
type UserProvisioner interface {
	Upsert(ctx context.Context, u *model.User) error
}

// EnsureUser makes sure the authenticated user has a directory row. Runs
// after Authenticate; existing rows are untouched, failures are logged and
// do not fail the request.
func EnsureUser(users UserProvisioner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID := GetUserID(r.Context()); userID != "" {
				now := time.Now().UTC()
				u := &model.User{
					ID:         userID,
					Username:   userID,
					LastSeenAt: now,
					CreatedAt:  now,
				}
				if err := users.Upsert(r.Context(), u); err != nil {
					logger.Errorf("ensure user %s: %v", userID, err)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
