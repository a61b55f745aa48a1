package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatpilot/internal/config"
	"chatpilot/internal/models"
	"chatpilot/internal/store"
	"chatpilot/internal/telemetry"
)

type contextKey string

const apiKeyContextKey contextKey = "api-key"

// APIKeyFromContext returns the authenticated key, if any.
func APIKeyFromContext(ctx context.Context) (models.APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(models.APIKey)
	return key, ok
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Limit   int    `json:"limit,omitempty"`
	Used    int64  `json:"used,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}

// hashKey is how keys are stored and compared; raw keys never touch the
// database.
func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// identifier resolves the rate-limit identity: authenticated key's tenant
// first, then the session user, then the caller IP.
func (s *Server) identifier(r *http.Request) string {
	if key, ok := APIKeyFromContext(r.Context()); ok {
		return "tenant:" + key.TenantID
	}
	if user := r.Header.Get("X-User-ID"); user != "" {
		return "user:" + user
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimit enforces one sliding-window class. Standard headers are set on
// every response; rejection carries Retry-After and a structured body.
func (s *Server) rateLimit(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := s.limiter.Allow(r.Context(), class, s.identifier(r))
			if err != nil {
				s.log.Error("rate limiter misconfigured", zap.String("class", class), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				telemetry.RateLimitRejects.WithLabelValues(class).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter/time.Second)))
				writeError(w, http.StatusTooManyRequests, errorBody{
					Code:    "RATE_LIMIT_EXCEEDED",
					Message: "too many requests, slow down",
					Limit:   res.Limit,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authFailure rejects an unauthenticated request. Failed validations burn
// the caller IP's auth window, so credential guessing trips into 429 long
// before the general classes would.
func (s *Server) authFailure(w http.ResponseWriter, r *http.Request, message string) {
	res, err := s.limiter.Allow(r.Context(), config.ClassAuth, "ip:"+clientIP(r))
	if err == nil && !res.Allowed {
		telemetry.RateLimitRejects.WithLabelValues(config.ClassAuth).Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter/time.Second)))
		writeError(w, http.StatusTooManyRequests, errorBody{
			Code:    "RATE_LIMIT_EXCEEDED",
			Message: "too many failed authentication attempts",
			Limit:   res.Limit,
		})
		return
	}
	writeError(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHORIZED", Message: message})
}

// apiKeyAuth validates the presented key per the full checklist: hash
// lookup, active, unexpired, per-minute window, daily quota. A successful
// validation updates last-used and the aggregate request counter.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			s.authFailure(w, r, "missing API key")
			return
		}

		key, err := s.keys.GetAPIKeyByHash(r.Context(), hashKey(raw))
		if errors.Is(err, store.ErrNotFound) {
			s.authFailure(w, r, "invalid API key")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: "key lookup failed"})
			return
		}
		if !key.Active {
			s.authFailure(w, r, "API key is inactive")
			return
		}
		if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
			s.authFailure(w, r, "API key has expired")
			return
		}

		res, err := s.limiter.AllowLimit(r.Context(), s.authClass, "key:"+key.ID, key.RatePerMin)
		if err == nil {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			if !res.Allowed {
				telemetry.RateLimitRejects.WithLabelValues(s.authClass).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter/time.Second)))
				writeError(w, http.StatusTooManyRequests, errorBody{
					Code:    "RATE_LIMIT_EXCEEDED",
					Message: "API key rate limit exceeded",
					Limit:   res.Limit,
				})
				return
			}
		}

		limit := key.DailyLimit
		if limit <= 0 {
			limit = s.defaultQuota
		}
		qres, err := s.quota.Allow(r.Context(), key.ID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: "quota check failed"})
			return
		}
		if !qres.Allowed {
			telemetry.QuotaRejects.Inc()
			writeError(w, http.StatusTooManyRequests, errorBody{
				Code:    "DAILY_QUOTA_EXCEEDED",
				Message: fmt.Sprintf("daily quota of %d requests exhausted", qres.Limit),
				Limit:   qres.Limit,
				Used:    qres.Used,
			})
			return
		}

		if err := s.keys.TouchAPIKey(r.Context(), key.ID); err != nil {
			s.log.Warn("api key touch failed", zap.String("api_key_id", key.ID), zap.Error(err))
		}

		ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope is a plain set-membership check, independent of rate
// limiting.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := APIKeyFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHORIZED", Message: "authentication required"})
				return
			}
			if !key.HasScope(scope) {
				writeError(w, http.StatusForbidden, errorBody{
					Code:    "FORBIDDEN",
					Message: fmt.Sprintf("scope %q required", scope),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}
