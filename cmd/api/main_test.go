package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/korsify/internal/auth"
	"github.com/yourusername/korsify/internal/config"
	"github.com/yourusername/korsify/internal/jobs"
	"github.com/yourusername/korsify/internal/middleware"
)

type fakeJobs struct{ started []jobs.StartRequest }

func (f *fakeJobs) Start(_ context.Context, req jobs.StartRequest) (string, error) {
	f.started = append(f.started, req)
	return "job-1", nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (*jobs.Job, error) {
	if id != "job-1" {
		return nil, jobs.ErrJobNotFound
	}
	return &jobs.Job{JobID: id, Status: jobs.StatusPending, UpdatedAt: time.Now()}, nil
}

func newTestServer(t *testing.T) (http.Handler, *fakeJobs) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash := func(pw string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
		require.NoError(t, err)
		return string(h)
	}
	cfg := &config.Config{
		GinMode:            gin.TestMode,
		SessionSecret:      "router-test-secret-router-test-secret",
		CORSAllowedOrigins: "http://localhost:3000",
		Accounts: []config.Account{
			{Username: "alice", PasswordHash: hash("a-pass"), Role: config.RoleCreator},
			{Username: "bob", PasswordHash: hash("b-pass"), Role: config.RoleLearner},
		},
	}

	svc := &fakeJobs{}
	a := &app{
		auth:    auth.NewManager(cfg),
		jobs:    jobs.NewHTTPHandler(svc, auth.CurrentUser, nil),
		limiter: middleware.NewRateLimiter(middleware.RateLimiterConfig{}),
	}
	return newRouter(cfg, a), svc
}

type browser struct {
	cookies []*http.Cookie
	csrf    string
}

func (b *browser) do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	if b.csrf != "" {
		req.Header.Set(auth.CSRFHeader, b.csrf)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if cookies := rec.Result().Cookies(); len(cookies) > 0 {
		b.cookies = cookies
	}
	if token := rec.Header().Get(auth.CSRFHeader); token != "" {
		b.csrf = token
	}
	return rec
}

func loginAs(t *testing.T, h http.Handler, username, password string) *browser {
	t.Helper()
	b := &browser{}
	rec := b.do(h, http.MethodPost, "/api/auth/login", `{"username":"`+username+`","password":"`+password+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return b
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	rec := (&browser{}).do(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "korsify-api")
}

func TestJobStatusRequiresLogin(t *testing.T) {
	h, _ := newTestServer(t)
	rec := (&browser{}).do(h, http.MethodGet, "/api/jobs/job-1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreatorStartsGeneration(t *testing.T) {
	h, svc := newTestServer(t)
	b := loginAs(t, h, "alice", "a-pass")

	rec := b.do(h, http.MethodPost, "/api/generation", `{"courseId":"c1","documentIds":["d1"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"jobId":"job-1"}`, rec.Body.String())
	require.Len(t, svc.started, 1)
	assert.Equal(t, "alice", svc.started[0].RequestedBy)

	rec = b.do(h, http.MethodGet, "/api/jobs/job-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"pending"`)

	rec = b.do(h, http.MethodGet, "/api/jobs/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLearnerCannotStartGeneration(t *testing.T) {
	h, svc := newTestServer(t)
	b := loginAs(t, h, "bob", "b-pass")

	rec := b.do(h, http.MethodPost, "/api/courses/c1/generate", `{"documentIds":["d1"]}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, svc.started)

	rec = b.do(h, http.MethodGet, "/api/jobs/job-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
