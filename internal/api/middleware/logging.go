package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Logger returns a zerolog request logging middleware. Alongside the
// usual request fields it records the entity id the caller claims in
// X-Mesh-Entity; the auth middleware runs inside this one, so the claim
// is logged even for requests that fail authentication, which is exactly
// when it is interesting.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ev := logger.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr)
				if entity := r.Header.Get("X-Mesh-Entity"); entity != "" {
					ev = ev.Str("entity", entity)
				}
				ev.Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
