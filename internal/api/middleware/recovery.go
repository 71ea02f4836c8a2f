package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// errorEnvelope mirrors the api package's error response shape for the
// responses written directly by middleware.
type errorEnvelope struct {
	Error string `json:"error"`
}

// Recoverer returns middleware that catches handler panics, logs the
// stack on the given logger and answers 500 with a JSON error body. A
// panicking status handler must never take down a process that is
// carrying live calls.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered in status api",
						"request_id", chimw.GetReqID(r.Context()),
						"panic", rec,
						"method", r.Method,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(errorEnvelope{Error: "internal server error"}) //nolint:errcheck
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
