package middleware

import (
	"context"
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

type ctxKey int

const callerKey ctxKey = iota

// DefaultIdentityHeader carries the id of the user the upstream gateway
// authenticated.
const DefaultIdentityHeader = "X-User-ID"

// Auth returns middleware that validates API requests using either a Bearer
// token in the Authorization header or a key in the X-API-Key header,
// checked against a bcrypt hash. Paths in public pass through. If apiKeyHash
// is empty, authentication is disabled.
func Auth(apiKeyHash string, public ...string) func(http.Handler) http.Handler {
	v := &keyVerifier{hash: []byte(apiKeyHash)}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKeyHash == "" || isPublic(r.URL.Path, public) {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}
			if !v.verify(token) {
				writeUnauthorized(w, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// keyVerifier remembers the digest of the last accepted key so bcrypt runs
// once per distinct key rather than on every request.
type keyVerifier struct {
	hash     []byte
	mu       sync.RWMutex
	accepted [sha256.Size]byte
	ok       bool
}

func (v *keyVerifier) verify(token string) bool {
	sum := sha256.Sum256([]byte(token))
	v.mu.RLock()
	hit := v.ok && v.accepted == sum
	v.mu.RUnlock()
	if hit {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(token)) != nil {
		return false
	}
	v.mu.Lock()
	v.accepted, v.ok = sum, true
	v.mu.Unlock()
	return true
}

// Identity copies the caller id from header into the request context.
func Identity(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultIdentityHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := strings.TrimSpace(r.Header.Get(header)); id != "" {
				r = r.WithContext(WithCallerID(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithCallerID returns ctx carrying the caller id.
func WithCallerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerKey, id)
}

// CallerID returns the caller id set by Identity, or "".
func CallerID(ctx context.Context) string {
	id, _ := ctx.Value(callerKey).(string)
	return id
}

func isPublic(path string, public []string) bool {
	for _, p := range public {
		if path == p {
			return true
		}
	}
	return false
}

// extractToken looks for a token in the Authorization header (Bearer scheme),
// the X-API-Key header, or the api_key query parameter (browsers cannot set
// headers on a WebSocket handshake).
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
