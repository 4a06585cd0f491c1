// Package middleware holds HTTP middleware for the status endpoint.
package middleware

import (
	"fmt"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/roundtrip/internal/server/handlers"
)

// Recovery turns a handler panic into a 500 JSON error.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				handlers.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec), nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs each request at debug level.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())))
		})
	}
}
