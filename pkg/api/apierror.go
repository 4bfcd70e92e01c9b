// Package api serves the audit service over HTTP. Errors are RFC 7807
// problem details with an extra hint field.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemTypeBase prefixes the problem type URI; the status code is appended.
const ProblemTypeBase = "https://eve.elekto.energy/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Hint describes what a valid request looks like.
	Hint    string `json:"hint,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes p with its status, filling in type, instance and the
// request id when empty.
func WriteProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("%s%d", ProblemTypeBase, p.Status)
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	if r != nil && p.Instance == "" {
		p.Instance = r.URL.Path
	}
	if p.TraceID == "" {
		p.TraceID = w.Header().Get(RequestIDHeader)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	WriteProblem(w, r, &ProblemDetail{Status: status, Detail: detail})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail, hint string) {
	WriteProblem(w, r, &ProblemDetail{Status: http.StatusNotFound, Detail: detail, Hint: hint})
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, "The HTTP method is not supported for this endpoint; the audit API is read-only")
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// err is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"error", err}
	if r != nil {
		attrs = append(attrs, "path", r.URL.Path, "request_id", RequestIDFrom(r.Context()))
	}
	logger.Error("internal server error", attrs...)
	WriteError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
