package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeep.org/internal/obs"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func hit(h http.Handler, method, target, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitPerClient(t *testing.T) {
	h := RequestID(RateLimit(okHandler, 2, 0.001, nil))
	const alice, bob = "192.0.2.10:5000", "192.0.2.20:5000"

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/api/v1/auth/login", alice).Code, "burst request %d", i)
	}

	denied := hit(h, http.MethodPost, "/api/v1/auth/login", alice)
	require.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.NotEmpty(t, denied.Header().Get("Retry-After"))

	var body struct {
		Error     string `json:"error"`
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(denied.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)
	assert.Equal(t, denied.Header().Get("X-Request-ID"), body.RequestID)

	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/api/v1/auth/login", bob).Code, "other clients keep their own bucket")
}

func sendVia(h http.Handler, peer, forwarded string) int {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = peer
	if forwarded != "" {
		req.Header.Set("X-Forwarded-For", forwarded)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	h := RateLimit(okHandler, 1, 0.001, nil)
	const attacker = "198.51.100.1:443"

	require.Equal(t, http.StatusOK, sendVia(h, attacker, "203.0.113.5"))
	for i := range 5 {
		forged := fmt.Sprintf("203.0.113.%d", 100+i)
		assert.Equal(t, http.StatusTooManyRequests, sendVia(h, attacker, forged), "forged header %s", forged)
	}
}

func TestRateLimitTrustedProxyForwardsClient(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.7"})
	require.NoError(t, err)
	h := RateLimit(okHandler, 1, 0.001, proxies)
	const proxy = "10.1.2.3:8080"

	assert.Equal(t, http.StatusOK, sendVia(h, proxy, "203.0.113.5"))
	assert.Equal(t, http.StatusTooManyRequests, sendVia(h, proxy, "203.0.113.5"))
	assert.Equal(t, http.StatusOK, sendVia(h, proxy, "203.0.113.6"))

	// A client-supplied leftmost entry cannot pick the bucket; the hop the proxy appended wins.
	assert.Equal(t, http.StatusTooManyRequests, sendVia(h, proxy, "1.2.3.4, 203.0.113.6"))
	assert.Equal(t, http.StatusTooManyRequests, sendVia(h, proxy, "203.0.113.5, 192.0.2.7"))

	// Requests from outside the trusted set are keyed on the peer.
	assert.Equal(t, http.StatusOK, sendVia(h, "198.51.100.9:1", "203.0.113.77"))
	assert.Equal(t, http.StatusTooManyRequests, sendVia(h, "198.51.100.9:1", "203.0.113.78"))
}

func TestParseTrustedProxies(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{" 10.0.0.0/8 ", "", "::1", "192.168.1.1"})
	require.NoError(t, err)
	assert.Len(t, proxies, 3)
	assert.True(t, proxies.trusts("10.20.30.40"))
	assert.True(t, proxies.trusts("::1"))
	assert.False(t, proxies.trusts("192.168.1.2"))
	assert.False(t, proxies.trusts("not-an-ip"))

	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	require.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	require.Error(t, err)
}

func TestRateLimitConcurrentClients(t *testing.T) {
	h := RateLimit(okHandler, 5, 5, nil)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hit(h, http.MethodGet, "/", fmt.Sprintf("10.0.1.%d:1", i%8))
		}()
	}
	wg.Wait()
}

func TestRequestIDPropagation(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = hit(h, http.MethodGet, "/", "")
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "abc-123", seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	rec := hit(SecurityHeaders(okHandler), http.MethodGet, "/", "")
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy", "Content-Security-Policy"} {
		assert.NotEmpty(t, rec.Header().Get(h), h)
	}
}

func TestCORSAllowsLocalOrigins(t *testing.T) {
	h := CORS(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/auth/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggingJSONLevels(t *testing.T) {
	logger := obs.Logger()
	prev := logger.Out
	t.Cleanup(func() { logger.SetOutput(prev) })

	cases := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "info"},
		{http.StatusTeapot, "warning"},
		{http.StatusBadGateway, "error"},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			var buf bytes.Buffer
			logger.SetOutput(&buf)

			h := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			})))
			req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
			req.Header.Set("User-Agent", "middleware-test")
			h.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
			for _, key := range []string{"ts", "request_id", "method", "path", "duration_ms", "remote_ip"} {
				assert.Contains(t, entry, key)
			}
			assert.Equal(t, "http request", entry["msg"])
			assert.Equal(t, tc.level, entry["level"])
			assert.Equal(t, float64(tc.status), entry["status"])
			assert.Equal(t, "middleware-test", entry["user_agent"])
		})
	}
}
