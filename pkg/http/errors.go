package http

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error   string `json:"error"`             // Machine-readable error code
	Message string `json:"message"`           // Human-readable message
	Details string `json:"details,omitempty"` // Optional additional context
}

// ThrottledResponse is the body of a 429. Exactly one of LockoutUntil and
// RetryAfter is normally set.
type ThrottledResponse struct {
	Error        string     `json:"error"`
	Message      string     `json:"message"`
	LockoutUntil *time.Time `json:"lockoutUntil,omitempty"`
	RetryAfter   int        `json:"retryAfter,omitempty"` // seconds
}

// WriteJSON writes v as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	WriteErrorWithDetails(w, statusCode, errorCode, message, "")
}

// WriteErrorWithDetails writes a JSON error response with additional details
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, errorCode, message, details string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
		Details: details,
	})
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_error", message)
}

// WriteThrottled writes a 429 with a Retry-After header. errorCode
// distinguishes a lockout ("account_locked", "ip_locked") from a plain rate
// limit ("rate_limit_exceeded").
func WriteThrottled(w http.ResponseWriter, errorCode, message string, lockoutUntil *time.Time, retryAfter time.Duration) {
	secs := RetryAfterSeconds(retryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(secs))

	resp := ThrottledResponse{Error: errorCode, Message: message}
	if lockoutUntil != nil {
		t := lockoutUntil.UTC()
		resp.LockoutUntil = &t
	} else {
		resp.RetryAfter = secs
	}
	WriteJSON(w, http.StatusTooManyRequests, resp)
}

// SetRateLimitHeaders publishes the caller's current window.
func SetRateLimitHeaders(w http.ResponseWriter, limit, remaining int, reset time.Time) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

// RetryAfterSeconds rounds up so clients never retry early. The minimum is one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
