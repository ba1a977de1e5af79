package server

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/storywell/storywell-api/internal/common"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// responseWriter wraps http.ResponseWriter to capture status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// recoveryMiddleware catches panics and returns 500.
func recoveryMiddleware(logger *common.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().
						Str("panic", fmt.Sprintf("%v", rec)).
						Str("path", r.URL.Path).
						Msg("panic recovered in HTTP handler")
					WriteError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware adds CORS headers for the mobile app's webview clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Correlation-ID, X-Admin-Key, X-Device-Registration-Secret")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// correlationIDMiddleware extracts or generates a correlation ID.
func correlationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := r.Header.Get("X-Request-ID")
		if corrID == "" {
			corrID = r.Header.Get("X-Correlation-ID")
		}
		if corrID == "" {
			corrID = uuid.New().String()[:8]
		}
		w.Header().Set("X-Correlation-ID", corrID)
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(logger *common.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			dur := time.Since(start)
			corrID := w.Header().Get("X-Correlation-ID")

			event := logger.Trace()
			if rw.statusCode >= 500 {
				event = logger.Error()
			} else if rw.statusCode >= 400 {
				event = logger.Info()
			}

			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.statusCode).
				Int("bytes", rw.bytesWritten).
				Dur("duration", dur).
				Str("correlation_id", corrID).
				Msg("http request")
		})
	}
}

// bearerAuthMiddleware validates the Authorization: Bearer JWT and
// populates the owner context from the token's "sub" claim (spec §8
// property 5 — ownership checks depend on this identity being trustworthy).
// Streaming SSE routes and device registration all sit behind this.
func bearerAuthMiddleware(cfg *common.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				WriteError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			claims, err := validateJWT(tokenString, []byte(cfg.Auth.JWTSecret))
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			sub, _ := claims["sub"].(string)
			if sub == "" {
				WriteError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			oc := &common.OwnerContext{OwnerID: sub}
			r = r.WithContext(common.WithOwnerContext(r.Context(), oc))
			next.ServeHTTP(w, r)
		})
	}
}

func validateJWT(tokenString string, secret []byte) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	return claims, nil
}

// ownerLimiters is a per-owner token-bucket rate limiter enforcing
// QuotaExceeded (429) at ingress (spec §7). One limiter per owner, created
// lazily and never evicted — owner cardinality in this domain is bounded by
// registered accounts, not request volume.
type ownerLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newOwnerLimiters(rps float64, burst int) *ownerLimiters {
	return &ownerLimiters{limiters: make(map[string]*rate.Limiter), rps: rate.Limit(rps), burst: burst}
}

func (l *ownerLimiters) allow(ownerID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ownerID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[ownerID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// rateLimitMiddleware enforces the per-owner submission quota on
// POST /generation/async. It must run after bearerAuthMiddleware so the
// owner context is already populated.
func rateLimitMiddleware(limiters *ownerLimiters) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := common.ResolveOwnerID(r.Context())
			if owner != "" && !limiters.allow(owner) {
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// adminAuthMiddleware gates the operator surface (queue-stats, admin
// websocket feed) behind a bcrypt-compared shared credential. A disabled
// (empty) hash refuses all admin requests rather than leaving them open.
func adminAuthMiddleware(cfg *common.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Auth.AdminCredentialHash == "" {
				WriteError(w, http.StatusForbidden, "admin surface disabled")
				return
			}
			key := r.Header.Get("X-Admin-Key")
			if key == "" || bcrypt.CompareHashAndPassword([]byte(cfg.Auth.AdminCredentialHash), []byte(key)) != nil {
				WriteError(w, http.StatusUnauthorized, "invalid admin credential")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireDeviceRegistrationSecret checks the X-Device-Registration-Secret
// header against the configured bcrypt hash before allowing POST /devices,
// an extra shared secret beyond owner bearer auth. A disabled (empty) hash
// skips the check.
func requireDeviceRegistrationSecret(cfg *common.Config, w http.ResponseWriter, r *http.Request) bool {
	if cfg.Auth.DeviceRegistrationSecretHash == "" {
		return true
	}
	secret := r.Header.Get("X-Device-Registration-Secret")
	if secret == "" || bcrypt.CompareHashAndPassword([]byte(cfg.Auth.DeviceRegistrationSecretHash), []byte(secret)) != nil {
		WriteError(w, http.StatusBadRequest, "invalid device registration secret")
		return false
	}
	return true
}

// applyMiddleware wraps a handler with the common middleware stack. Applied
// in reverse order (last applied = first executed).
func applyMiddleware(handler http.Handler, logger *common.Logger, cfg *common.Config) http.Handler {
	handler = loggingMiddleware(logger)(handler)
	handler = correlationIDMiddleware(handler)
	handler = corsMiddleware(handler)
	handler = recoveryMiddleware(logger)(handler)
	return handler
}
