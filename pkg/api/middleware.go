package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/tenants"
)

type requestIDKey struct{}

// RequestID assigns every request an id, honoring a client-supplied
// x-request-id, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(protocol.HeaderRequestID)
		if id == "" {
			id = "req_" + uuid.NewString()
		}
		w.Header().Set(protocol.HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ProtocolGate rejects clients speaking an incompatible protocol major. A
// missing header is accepted (same-major assumed).
func ProtocolGate(next http.Handler) http.Handler {
	serverVersion := semver.MustParse(protocol.Version + ".0")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(protocol.HeaderProtocol)
		if raw != "" {
			v, err := semver.NewVersion(normalizeVersion(raw))
			if err != nil {
				writeErr(w, r, protocol.Errorf(protocol.CodeSchemaInvalid, "unparseable %s header %q", protocol.HeaderProtocol, raw))
				return
			}
			if v.Major() != serverVersion.Major() {
				writeErr(w, r, protocol.Errorf(protocol.CodeSchemaInvalid, "protocol %s is incompatible with server %s", raw, protocol.Version).
					WithDetail("serverProtocol", protocol.Version))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// normalizeVersion pads "1" or "1.0" to a full semver triple.
func normalizeVersion(v string) string {
	switch strings.Count(v, ".") {
	case 0:
		return v + ".0.0"
	case 1:
		return v + ".0"
	}
	return v
}

// Auth resolves the tenant credential (x-api-key or Authorization: Bearer)
// through the keychain and binds the tenant to the request context.
func Auth(keys tenants.Keychain) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(protocol.HeaderAPIKey)
			if raw == "" {
				if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
					raw = strings.TrimPrefix(bearer, "Bearer ")
				}
			}
			if raw == "" {
				writeErr(w, r, protocol.NewError(protocol.CodeForbidden, "missing API key"))
				return
			}
			tenantID, err := keys.Verify(r.Context(), raw)
			if err != nil {
				writeErr(w, r, err)
				return
			}
			// A tenant selector that disagrees with the credential is masked
			// the same way cross-tenant reads are.
			if selected := r.Header.Get(protocol.HeaderTenantID); selected != "" && selected != tenantID {
				writeErr(w, r, protocol.NewError(protocol.CodeNotFound, "not found"))
				return
			}
			next.ServeHTTP(w, r.WithContext(tenants.WithTenant(r.Context(), tenantID)))
		})
	}
}

// TenantRateLimiter applies a token bucket per tenant.
type TenantRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tenantBucket
	rps     rate.Limit
	burst   int
}

type tenantBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewTenantRateLimiter(rps, burst int) *TenantRateLimiter {
	rl := &TenantRateLimiter{
		buckets: make(map[string]*tenantBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go rl.cleanup()
	return rl
}

func (rl *TenantRateLimiter) bucket(tenantID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[tenantID]
	if !ok {
		b = &tenantBucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[tenantID] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// cleanup drops buckets idle for more than 3 minutes.
func (rl *TenantRateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for id, b := range rl.buckets {
			if time.Since(b.lastSeen) > 3*time.Minute {
				delete(rl.buckets, id)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware enforces the per-tenant limit; requests without a bound tenant
// pass through (auth rejects them later).
func (rl *TenantRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenants.FromContext(r.Context())
		if ok && !rl.bucket(tenantID).Allow() {
			w.Header().Set("Retry-After", "1")
			writeErr(w, r, protocol.NewError(protocol.CodeRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OpsAuth verifies the ops-plane JWT (HS256) on manual-intervention
// endpoints: settlement resolve and dispute close.
func OpsAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(protocol.HeaderOpsToken)
			if raw == "" {
				writeErr(w, r, protocol.NewError(protocol.CodeForbidden, "missing ops token"))
				return
			}
			token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, protocol.NewError(protocol.CodeForbidden, "unexpected signing method")
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				writeErr(w, r, protocol.NewError(protocol.CodeForbidden, "invalid ops token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MintOpsToken issues a short-lived ops token. Used by operator tooling and
// tests.
func MintOpsToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
