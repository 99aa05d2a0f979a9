package scimcore

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/marcelom97/scimcore/auth"
	"github.com/marcelom97/scimcore/scim"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// LoggingMiddleware logs HTTP requests with method, path, status, duration, and client IP
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)

			level := slog.LevelInfo
			if wrapped.statusCode >= 500 {
				level = slog.LevelError
			} else if wrapped.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.RawQuery,
				"status", wrapped.statusCode,
				"duration_ms", duration.Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.Header.Get("User-Agent"),
			)
		})
	}
}

// publicEndpoints are reachable without authentication.
var publicEndpoints = []string{
	"/ServiceProviderConfig",
	"/ResourceTypes",
	"/Schemas",
}

// AuthMiddleware authenticates every request except the discovery
// endpoints.
func AuthMiddleware(authenticator auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, endpoint := range publicEndpoints {
				if strings.HasPrefix(r.URL.Path, endpoint) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if err := authenticator.Authenticate(r); err != nil {
				envelope := scim.NewErrorResponse(scim.NewSCIMError(http.StatusUnauthorized, "Unauthorized", ""))
				w.Header().Set("Content-Type", "application/scim+json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="scim"`)
				w.WriteHeader(http.StatusUnauthorized)
				data, _ := envelope.MarshalJSON()
				w.Write(data)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
