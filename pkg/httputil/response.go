package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loadline/gatekeeper/pkg/contextkeys"
)

// ErrorBody is the envelope every rejection response carries. RetryAfter
// is seconds and set only on 429s.
type ErrorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	RetryAfter    int    `json:"retryAfter,omitempty"`
	CorrelationID string `json:"correlationId"`
	Timestamp     string `json:"timestamp"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteErrorBody writes the standard error envelope, pulling the
// correlation id from the request context
func WriteErrorBody(w http.ResponseWriter, r *http.Request, status int, errText, message string) {
	writeEnvelope(w, status, ErrorBody{
		Error:         errText,
		Message:       message,
		CorrelationID: contextkeys.GetCorrelationID(r.Context()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

// WriteRateLimited writes a 429 with the Retry-After header and the
// retryAfter field set to the same number of whole seconds
func WriteRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	writeEnvelope(w, http.StatusTooManyRequests, ErrorBody{
		Error:         "Too Many Requests",
		Message:       "rate limit exceeded, slow down",
		RetryAfter:    seconds,
		CorrelationID: contextkeys.GetCorrelationID(r.Context()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

// WriteInternalError writes a 500 envelope without leaking the cause
func WriteInternalError(w http.ResponseWriter, r *http.Request) {
	WriteErrorBody(w, r, http.StatusInternalServerError, "Internal Server Error", "")
}

func writeEnvelope(w http.ResponseWriter, status int, body ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// ParseJSON decodes JSON from the request body into the destination
func ParseJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes a 400 envelope on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteErrorBody(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return false
	}
	return true
}
