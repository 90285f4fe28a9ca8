package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// Middleware returns an HTTP middleware that provides request idempotency.
// When a request carries an Idempotency-Key header whose value has been seen
// before from the same caller (and the cached entry has not expired), the
// cached response is replayed with an additional Idempotency-Replay: true
// header. Requests without the header pass through unchanged.
//
// Mounted ahead of internal/apikey's auth middleware on the /v1/sessions routes,
// so the raw Idempotency-Key header value alone is not a safe cache key:
// two different callers picking the same client-generated key (a UUID
// collision is astronomically unlikely, but a buggy client reusing a
// constant key is not) would otherwise replay each other's session-init
// response, handing one caller another's session id. scopeKey folds in the
// caller's own bearer token so the cache is partitioned per caller.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get("Idempotency-Key")
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := scopeKey(r, rawKey)

			// Return cached response if available.
			if e, ok := cache.Get(key); ok {
				for k, v := range e.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("Idempotency-Replay", "true")
				w.WriteHeader(e.StatusCode)
				_, _ = w.Write(e.Response)
				return
			}

			// Capture the response so we can cache it.
			rec := &responseRecorder{
				ResponseWriter: w,
				body:           &bytes.Buffer{},
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(rec, r)

			// Cache the captured response.
			hdrs := make(map[string]string)
			for k, v := range rec.Header() {
				if len(v) > 0 {
					hdrs[k] = v[0]
				}
			}
			cache.Set(key, rec.body.Bytes(), rec.statusCode, hdrs)
		})
	}
}

// responseRecorder wraps an http.ResponseWriter to capture the response body
// and status code while still writing to the original writer.
type responseRecorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	written    bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// scopeKey namespaces a raw Idempotency-Key by the caller's bearer token
// (hashed, so the cache map never holds a raw credential) and the route, so
// two callers — or the same caller hitting two different endpoints — can
// never collide on an identical client-chosen key.
func scopeKey(r *http.Request, rawKey string) string {
	h := sha256.Sum256([]byte(r.Header.Get("Authorization")))
	return r.URL.Path + "|" + hex.EncodeToString(h[:8]) + "|" + rawKey
}
