package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	startReq StartRequest
	startID  string
	startErr error
	job      *Job
	getErr   error
}

func (s *stubService) Start(ctx context.Context, req StartRequest) (string, error) {
	s.startReq = req
	return s.startID, s.startErr
}

func (s *stubService) Get(ctx context.Context, jobID string) (*Job, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.job, nil
}

func newTestRouter(svc Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHTTPHandler(svc, func(*gin.Context) string { return "alice" }, nil)
	router := gin.New()
	router.POST("/api/courses/:id/generate", h.StartForCourse)
	router.POST("/api/generation", h.Start)
	router.GET("/api/jobs/:id", h.Status)
	return router
}

func doJSON(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStartForCourseHandler(t *testing.T) {
	svc := &stubService{startID: "job-1"}
	router := newTestRouter(svc)

	rec := doJSON(router, http.MethodPost, "/api/courses/c1/generate", map[string]any{
		"documentIds": []string{"d1"},
		"options":     map[string]any{"moduleCount": 3, "generateQuizzes": false},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "job-1", decodeBody(t, rec)["jobId"])
	assert.Equal(t, "/api/jobs/job-1", rec.Header().Get("Location"))
	assert.Equal(t, "c1", svc.startReq.CourseID)
	assert.Equal(t, "alice", svc.startReq.RequestedBy)
	assert.Equal(t, 3, svc.startReq.Options.ModuleCount)
	assert.False(t, svc.startReq.Options.GenerateQuizzes)
	// 省略したオプションは既定値のまま
	assert.Equal(t, DifficultyBeginner, svc.startReq.Options.DifficultyLevel)
}

func TestStartHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"no documents", newInputError("NO_DOCUMENTS", "x"), http.StatusBadRequest, "NO_DOCUMENTS"},
		{"invalid options", newInputError("INVALID_OPTIONS", "x"), http.StatusBadRequest, "INVALID_OPTIONS"},
		{"course not found", newInputError("COURSE_NOT_FOUND", "x"), http.StatusNotFound, "COURSE_NOT_FOUND"},
		{"course busy", newInputError("COURSE_BUSY", "x"), http.StatusConflict, "COURSE_BUSY"},
		{"queue full", ErrQueueFull, http.StatusServiceUnavailable, "QUEUE_FULL"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubService{startErr: tt.err})
			rec := doJSON(router, http.MethodPost, "/api/generation", map[string]any{
				"courseId":    "c1",
				"documentIds": []string{},
			})
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeBody(t, rec)["code"])
		})
	}
}

func TestStartHandlerInvalidJSON(t *testing.T) {
	router := newTestRouter(&stubService{})
	req := httptest.NewRequest(http.MethodPost, "/api/generation", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decodeBody(t, rec)["code"])
}

func TestStatusHandler(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	router := newTestRouter(&stubService{job: &Job{
		JobID:     "job-1",
		CourseID:  "c1",
		Phase:     PhaseValidation,
		Progress:  75,
		Status:    StatusProcessing,
		UpdatedAt: updated,
	}})

	rec := doJSON(router, http.MethodGet, "/api/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "validation", body["phase"])
	assert.Equal(t, float64(75), body["progress"])
	assert.Equal(t, "processing", body["status"])
	assert.NotContains(t, body, "error")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestStatusHandlerFailedJob(t *testing.T) {
	router := newTestRouter(&stubService{job: &Job{
		JobID:    "job-1",
		Phase:    PhaseContentGeneration,
		Progress: 40,
		Status:   StatusFailed,
		Error:    &ErrorInfo{Kind: KindUpstream, Message: "rate limit exceeded"},
	}})

	rec := doJSON(router, http.MethodGet, "/api/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.Equal(t, "UPSTREAM_ERROR", body["errorKind"])
}

func TestStatusHandlerNotFound(t *testing.T) {
	router := newTestRouter(&stubService{getErr: ErrJobNotFound})

	rec := doJSON(router, http.MethodGet, "/api/jobs/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", decodeBody(t, rec)["code"])
}
