// Package response writes the API's JSON envelopes: {"data": ...} on success
// and {"error": {"code", "message", "details"}} on failure. Analysis results
// and job states change between calls, so no response is cacheable.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// CodeInvalidRequest is the error code of every request validation failure.
const CodeInvalidRequest = "INVALID_REQUEST"

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes a 200 with data, e.g. a finished analysis or a job view.
func JSON(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, envelope{Data: data})
}

// Accepted writes a 202 for work handed to the background queues.
func Accepted(w http.ResponseWriter, data any) {
	write(w, http.StatusAccepted, envelope{Data: data})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	write(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// Invalid writes a 400 naming the request field that failed validation.
func Invalid(w http.ResponseWriter, field, message string) {
	Error(w, http.StatusBadRequest, CodeInvalidRequest, message, map[string]string{"field": field})
}

func write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response body", "status", status, "error", err)
	}
}
