// Package auth resolves bearer tokens to user identities. Token issuance is
// out of scope: the API trusts an external identity service and only verifies.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var ErrUnauthorized = errors.New("unauthorized")

// Verifier resolves a token to the user ID it was issued for.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// HTTPVerifier asks the identity service to verify a token.
type HTTPVerifier struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPVerifier(baseURL string) *HTTPVerifier {
	return &HTTPVerifier{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) (string, error) {
	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/internal/verify", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("auth.Verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth.Verify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", ErrUnauthorized
	}
	var result struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.UserID == "" {
		return "", ErrUnauthorized
	}
	return result.UserID, nil
}

// InsecureVerifier accepts "dev:<user_id>" tokens. Development mode only.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(ctx context.Context, token string) (string, error) {
	id, ok := strings.CutPrefix(token, "dev:")
	if !ok || id == "" {
		return "", ErrUnauthorized
	}
	return id, nil
}
