package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindLimit(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{})

	cases := []struct {
		method, path string
		want         int
		ok           bool
	}{
		{http.MethodPost, "/messaging/central-channels/c1/messages", 600, true},
		{http.MethodPost, "/messaging/central-channels/c1/participants", 60, true},
		{http.MethodPost, "/messaging/central-channels", 60, true},
		{http.MethodPost, "/messaging/central-servers/s1/agents", 30, true},
		{http.MethodDelete, "/messaging/central-channels/c1", 120, true},
		{http.MethodGet, "/messaging/central-channels/c1/messages", 0, false},
		{http.MethodGet, "/health", 0, false},
	}
	for _, tc := range cases {
		l, ok := rl.findLimit(httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.ok, ok, tc.method+" "+tc.path)
		assert.Equal(t, tc.want, l.Requests, tc.method+" "+tc.path)
	}
}

func TestWhitelist(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{Whitelist: []string{"10.0.0.0/8", "192.168.1.5", "bogus/99"}})
	assert.True(t, rl.isWhitelisted("10.1.2.3"))
	assert.True(t, rl.isWhitelisted("192.168.1.5"))
	assert.False(t, rl.isWhitelisted("192.168.1.6"))
	assert.False(t, rl.isWhitelisted("not-an-ip"))
}

func TestRealIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:5555"
	assert.Equal(t, "203.0.113.7", RealIP(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	assert.Equal(t, "198.51.100.1", RealIP(r))
}

func TestRoutePatternLabels(t *testing.T) {
	r := chi.NewRouter()
	var seen string
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			seen = routePattern(req)
		})
	})
	r.Use(Metrics)
	r.Get("/messaging/central-channels/{channelId}/details", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/messaging/central-channels/abc/details", nil))
	assert.Equal(t, "/messaging/central-channels/{channelId}/details", seen)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	assert.Equal(t, "unmatched", seen)
}

func TestRequireJSONAndBodySize(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := MaxBodySize(16)(RequireJSON(ok))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "text/plain")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content":"far more than sixteen bytes"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"error":"request body too large"}`, rec.Body.String())
}

func TestRateLimiter_Redis(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	prefix := "/test-" + ulid.Make().String()
	rl := NewRateLimiter(client, zerolog.Nop(), RateLimiterConfig{
		Limits: []RateLimit{{Method: http.MethodPost, Prefix: prefix, Requests: 2, Window: time.Minute}},
	})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, prefix, nil).WithContext(context.Background()))
		codes = append(codes, rec.Code)
		if i == 2 {
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
