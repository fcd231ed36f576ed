package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

const maxJSONBodyBytes int64 = 2 * 1024 * 1024

const (
	defaultLogLimit int64 = 64 * 1024
	maxLogLimit     int64 = 4 * 1024 * 1024
)

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// logLimit parses the ?limit= byte count of the log endpoints.
func logLimit(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLogLimit, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive byte count, got %q", raw)
	}
	if n > maxLogLimit {
		n = maxLogLimit
	}
	return n, nil
}
