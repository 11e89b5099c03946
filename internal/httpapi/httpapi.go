// Package httpapi holds HTTP plumbing shared by all four services: JSON
// response helpers, structured error bodies, trace-ID propagation, and a
// process health snapshot.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Error codes carried in structured error bodies.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotFound        = "NOT_FOUND"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL"
	CodeGateRejected    = "GATE_REJECTED"
)

// TraceHeader carries the request trace ID across service boundaries.
const TraceHeader = "X-Trace-ID"

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes a structured error body with the given status and code.
func WriteError(w http.ResponseWriter, status int, code, format string, args ...any) {
	WriteJSON(w, status, ErrorBody{Error: fmt.Sprintf(format, args...), Code: code})
}

// Trace returns the request's trace ID, generating one when the caller did
// not send one, and echoes it on the response so clients can correlate.
func Trace(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get(TraceHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(TraceHeader, id)
	return id
}

type traceKey struct{}

// WithTrace stores a trace ID on the context for downstream client calls.
func WithTrace(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceFrom returns the trace ID carried by the context, or "".
func TraceFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
