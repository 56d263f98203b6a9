package middleware

import "strings"

// MaskToken masks a token for logs (never log the full credential).
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
