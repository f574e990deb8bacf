package server

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const headerRequestID = "X-Request-Id"

func ChainMiddleware(routeFunction http.HandlerFunc, mw ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	chainedHandler := routeFunction
	// Apply middleware in reverse order
	for i := len(mw) - 1; i >= 0; i-- {
		chainedHandler = mw[i](chainedHandler)
	}
	return chainedHandler
}

// adapt turns a net/http style middleware into the HandlerFunc form ChainMiddleware takes.
func adapt(mw func(http.Handler) http.Handler) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return mw(next).ServeHTTP
	}
}

// GlobalMiddleware wraps every request, matched or not.
func (s *Server) GlobalMiddleware() []func(http.HandlerFunc) http.HandlerFunc {
	var mw []func(http.HandlerFunc) http.HandlerFunc
	if s.config.TrustProxy() {
		mw = append(mw, adapt(middleware.RealIP))
	}
	return append(mw,
		s.RequestIDMiddleware,
		s.LoggingMiddleware,
		s.RecoverMiddleware,
	)
}

func (s *Server) APIMiddleware() []func(http.HandlerFunc) http.HandlerFunc {
	return []func(http.HandlerFunc) http.HandlerFunc{
		s.CorsMiddleware,
	}
}

// AuthPostMiddleware is the API chain plus the per-IP rate limit.
func (s *Server) AuthPostMiddleware(route string) []func(http.HandlerFunc) http.HandlerFunc {
	return append(s.APIMiddleware(), s.RateLimitMiddleware(route))
}

// RequestIDMiddleware echoes a caller supplied X-Request-Id or mints one, and
// attaches a request scoped logger to the context.
func (s *Server) RequestIDMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)

		logger := log.With().Str("request_id", id).Logger()
		next(w, r.WithContext(logger.WithContext(r.Context())))
	}
}

func (s *Server) LoggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := zerolog.Ctx(r.Context()).Info()
		if status >= http.StatusInternalServerError {
			event = zerolog.Ctx(r.Context()).Error()
		}
		method := r.Method
		if s.env == "DEV" {
			method = colouredMethod(r.Method)
		}
		event.
			Str("method", method).
			Str("path", r.URL.Path).
			Str("remote_ip", r.RemoteAddr).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

// RecoverMiddleware turns a handler panic into a 500 JSON error.
func (s *Server) RecoverMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			zerolog.Ctx(r.Context()).Error().
				Interface("panic", rvr).
				Bytes("stack", debug.Stack()).
				Msg("[RecoverMiddleware] handler panicked")
			writeJSONError(w, "internal_error", "Internal server error", http.StatusInternalServerError)
		}()
		next(w, r)
	}
}

func (s *Server) CorsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// No Origin header = same-origin request, no CORS headers needed
		if origin == "" {
			next(w, r)
			return
		}

		allowedOrigins := s.config.GetAllowedOrigins()
		switch {
		case allowedOrigins.IsAllowedOrigin(origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		case allowedOrigins.IsAllowedOrigin("*"):
			// Never pair credentials with a wildcard
			w.Header().Set("Access-Control-Allow-Origin", "*")
		default:
			// Not allowed: no CORS headers, the browser blocks the response
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next(w, r)
			return
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", s.config.GetAllowedMethods())
			w.Header().Set("Access-Control-Allow-Headers", s.config.GetAllowedHeaders())
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// RateLimitMiddleware rejects callers that exceed their per-IP token bucket.
func (s *Server) RateLimitMiddleware(route string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if s.limiter == nil || s.limiter.Allow(clientIP(r)) {
				next(w, r)
				return
			}
			s.metrics.RecordRateLimited(r.Context(), route)
			zerolog.Ctx(r.Context()).Warn().Str("remote_ip", r.RemoteAddr).Str("route", route).Msg("rate limited")
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, errRateLimited, "Too many requests", http.StatusTooManyRequests)
		}
	}
}
