package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/consentlens/internal/api/response"
)

// Recovery turns a handler panic into a 500 that carries the request id, so
// a client report can be matched to the logged stack.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			requestID := GetRequestID(r)
			slog.Error("handler panicked",
				"request_id", requestID,
				"route", r.Method+" "+r.URL.Path,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Internal server error", map[string]string{"request_id": requestID})
		}()
		next.ServeHTTP(w, r)
	})
}
