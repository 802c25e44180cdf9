package jobs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Service は HTTP ハンドラーが必要とするジョブ操作です。
type Service interface {
	Start(ctx context.Context, req StartRequest) (string, error)
	Get(ctx context.Context, jobID string) (*Job, error)
}

// HTTPHandler はジョブ関連のエンドポイントをまとめます。
type HTTPHandler struct {
	service     Service
	currentUser func(*gin.Context) string
	logger      *slog.Logger
}

// NewHTTPHandler は HTTPHandler を作成します。currentUser はログイン中のユーザー名を返します。
func NewHTTPHandler(service Service, currentUser func(*gin.Context) string, logger *slog.Logger) *HTTPHandler {
	if currentUser == nil {
		currentUser = func(*gin.Context) string { return "" }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{service: service, currentUser: currentUser, logger: logger}
}

type generateRequest struct {
	CourseID    string   `json:"courseId"`
	DocumentIDs []string `json:"documentIds"`
	Options     Options  `json:"options"`
}

// StatusResponse はステータス取得 API のレスポンスです。
type StatusResponse struct {
	JobID     string    `json:"jobId"`
	CourseID  string    `json:"courseId"`
	Phase     Phase     `json:"phase,omitempty"`
	Progress  int       `json:"progress"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewStatusResponse はジョブからレスポンスを組み立てます。
func NewStatusResponse(job *Job) StatusResponse {
	resp := StatusResponse{
		JobID:     job.JobID,
		CourseID:  job.CourseID,
		Phase:     job.Phase,
		Progress:  job.Progress,
		Status:    job.Status,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Status == StatusFailed && job.Error != nil {
		resp.Error = job.Error.Message
		resp.ErrorKind = job.Error.Kind
	}
	return resp
}

// StartForCourse は POST /api/courses/:id/generate のハンドラーです。
func (h *HTTPHandler) StartForCourse(c *gin.Context) {
	req := generateRequest{Options: DefaultOptions()}
	if !h.bind(c, &req) {
		return
	}
	req.CourseID = c.Param("id")
	h.start(c, req)
}

// Start は POST /api/generation のハンドラーです。
func (h *HTTPHandler) Start(c *gin.Context) {
	req := generateRequest{Options: DefaultOptions()}
	if !h.bind(c, &req) {
		return
	}
	h.start(c, req)
}

func (h *HTTPHandler) bind(c *gin.Context, req *generateRequest) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "リクエストボディを JSON で送ってください。",
		})
		return false
	}
	return true
}

func (h *HTTPHandler) start(c *gin.Context, req generateRequest) {
	jobID, err := h.service.Start(c.Request.Context(), StartRequest{
		CourseID:    req.CourseID,
		DocumentIDs: req.DocumentIDs,
		Options:     req.Options,
		RequestedBy: h.currentUser(c),
	})
	if err != nil {
		h.writeStartError(c, err)
		return
	}
	c.Header("Location", "/api/jobs/"+jobID)
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

func (h *HTTPHandler) writeStartError(c *gin.Context, err error) {
	var inputErr *InputError
	switch {
	case errors.As(err, &inputErr):
		c.JSON(inputErrorStatus(inputErr.Code), gin.H{
			"code":    inputErr.Code,
			"message": inputErr.Message,
		})
	case errors.Is(err, ErrQueueFull):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "QUEUE_FULL",
			"message": "生成キューが混雑しています。しばらくしてから再度お試しください。",
		})
	default:
		h.logger.Error("failed to start generation job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "ジョブの登録に失敗しました。",
		})
	}
}

func inputErrorStatus(code string) int {
	switch code {
	case "COURSE_NOT_FOUND", "DOCUMENT_NOT_FOUND":
		return http.StatusNotFound
	case "COURSE_BUSY":
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// Status は GET /api/jobs/:id のハンドラーです。
func (h *HTTPHandler) Status(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return
	}

	job, err := h.service.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}
		h.logger.Error("failed to load job", "job_id", jobID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "ジョブ情報の取得に失敗しました。",
		})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, NewStatusResponse(job))
}
