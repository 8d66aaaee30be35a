package middleware

import (
	"log/slog"
	"net/http"

	"github.com/agrimart/loyalty/pkg/logger"
)

// RequestLogger stores a request-scoped logger carrying correlation_id,
// customer_id, trace_id and span_id in the context. Mount it after
// RequestLogging and Tracing, and after Auth on protected routes so the
// customer id is known.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id := CustomerIDFromContext(ctx); id != "" {
				ctx = logger.WithCustomerID(ctx, id)
			}
			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
