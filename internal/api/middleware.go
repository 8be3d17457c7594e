package api

import (
	"context"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dny1020/outdial-orchestrator/internal/auth"
	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyUsername  contextKey = "username"
)

// requestIDMiddleware honours an inbound X-Request-ID and generates one
// otherwise
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), contextKeyRequestID, requestID)
		// Mirror into the logger's context keys
		ctx = context.WithValue(ctx, "request_id", requestID) //nolint:staticcheck

		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware emits one structured line per request
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		logger.WithContext(r.Context()).WithFields(map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     recorder.status,
			"latency_ms": time.Since(start).Milliseconds(),
			"client":     clientIP(r),
		}).Info("Request handled")
	})
}

// corsMiddleware applies the configured origin allow-list
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, allowed := range s.cfg.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", allowed)
					w.Header().Set("Access-Control-Allow-Credentials", "true")
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
					break
				}
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For entry over the peer address
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIdentity combines the client IP with a short user-agent hash to
// reduce NAT aliasing in rate-limit buckets
func clientIdentity(r *http.Request) string {
	h := fnv.New32a()
	h.Write([]byte(r.UserAgent()))
	return fmt.Sprintf("%s:%08x", clientIP(r), h.Sum32())
}

// rateLimited applies the sliding-window limiter for one endpoint class.
// The limiter fails open inside the KV store; here a rejection carries the
// standard rate-limit headers.
func (s *Server) rateLimited(endpoint string, limit int, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		window := s.limits.Window
		key := fmt.Sprintf("ratelimit:%s:%s", endpoint, clientIdentity(r))

		allowed, remaining := s.gate.SlidingWindowAdmit(r.Context(), key, limit, window)

		reset := time.Now().Add(window).Unix()
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if !allowed {
			if s.metrics != nil {
				s.metrics.IncrementCounter("rate_limit_exceeded", map[string]string{"endpoint": endpoint})
			}
			logger.WithContext(r.Context()).WithFields(map[string]interface{}{
				"endpoint": endpoint,
				"client":   clientIP(r),
			}).Warn("Rate limit exceeded")

			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.Itoa(int(window/time.Second)))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Detail: "Rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenRateLimited(next http.Handler) http.Handler {
	// The lockout gate runs before the sliding window so locked-out
	// clients are refused regardless of remaining quota.
	return s.lockoutGate(s.rateLimited("/api/v1/token", s.limits.TokenRequests, next))
}

func (s *Server) originationRateLimited(next http.Handler) http.Handler {
	return s.rateLimited("/api/v1/interaction", s.limits.OriginationRequests, next)
}

// lockoutGate short-circuits requests from an IP under brute-force lockout
func (s *Server) lockoutGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		ttl, err := s.gate.LockoutTTL(r.Context(), ip)
		if err == nil && ttl > 0 {
			logger.WithContext(r.Context()).WithField("client", ip).Warn("Locked-out client refused")
			w.Header().Set("Retry-After", strconv.Itoa(int(ttl/time.Second)))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Detail: "Too many failed login attempts"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authenticated verifies the bearer token and stores the subject in the
// request context
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorBody{Detail: "Not authenticated"})
			return
		}

		subject, err := s.tokens.Verify(r.Context(), token, auth.TokenTypeAccess)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorBody{Detail: "Could not validate credentials"})
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyUsername, subject)
		ctx = context.WithValue(ctx, "user_id", subject) //nolint:staticcheck
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
