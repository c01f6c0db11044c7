package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/livemap/internal/auth"
)

func newLimiter(t *testing.T, read, write RateConfig) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRateLimiter(client, read, write)
	fixed := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return fixed }
	return l
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func TestWriteBucketExhausts(t *testing.T) {
	l := newLimiter(t, RateConfig{Rate: 50, Burst: 100}, RateConfig{Rate: 1, Burst: 2})
	h := l.Middleware(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPut, "/v1/locations/me", nil)
		req.Header.Set("X-Client-ID", "device-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			require.Equal(t, "1", rec.Header().Get("Retry-After"))
		}
	}
	require.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	// reads use their own bucket
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("X-Client-ID", "device-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestScopedKeysByUser(t *testing.T) {
	l := newLimiter(t, RateConfig{}, RateConfig{})
	h := auth.Middleware("s3cret")(l.Scoped("publish", RateConfig{Rate: 1, Burst: 1})(okHandler()))

	do := func(user string) int {
		token, err := auth.Issue("s3cret", user, time.Minute)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPut, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Client-ID", "shared-proxy")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusNoContent, do("alice"))
	require.Equal(t, http.StatusTooManyRequests, do("alice"))
	require.Equal(t, http.StatusNoContent, do("bob"))
}

func TestNilLimiterPassesThrough(t *testing.T) {
	var l *RateLimiter
	require.Nil(t, NewRateLimiter(nil, RateConfig{Rate: 1, Burst: 1}, RateConfig{}))
	h := l.Scoped("publish", RateConfig{Rate: 1, Burst: 1})(l.Middleware(okHandler()))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
}
