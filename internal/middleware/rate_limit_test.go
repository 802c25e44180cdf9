package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newLimitedRouter(cfg RateLimiterConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewRateLimiter(cfg))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return router
}

func get(router http.Handler) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	return rec
}

func TestRateLimiterDisabledWithoutRedis(t *testing.T) {
	router := newLimitedRouter(RateLimiterConfig{Limit: 1})
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusNoContent, get(router).Code)
	}
}

func TestRateLimiterFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	router := newLimitedRouter(RateLimiterConfig{RedisClient: rdb, Limit: 1})
	assert.Equal(t, http.StatusNoContent, get(router).Code)
	assert.Equal(t, http.StatusNoContent, get(router).Code)
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("redis container test skipped in short mode")
	}
	rdb := startRedis(t)

	router := newLimitedRouter(RateLimiterConfig{
		RedisClient: rdb,
		Limit:       2,
		Window:      time.Minute,
		KeyPrefix:   "rl:test:",
		Extractor:   func(*gin.Context) string { return "alice" },
	})

	first := get(router)
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusNoContent, get(router).Code)

	rec := get(router)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	ttl, err := rdb.TTL(context.Background(), "rl:test:alice").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}
