package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/groupchat/internal/logger"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// pagination reads limit and page query parameters and converts them to
// limit/offset. Page numbering starts at 1.
func pagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = queryInt(r, "limit", defaultLimit)
	if limit < 1 || limit > maxLimit {
		limit = defaultLimit
	}
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}
