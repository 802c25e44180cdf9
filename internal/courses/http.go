package courses

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Store は HTTP ハンドラーが必要とするコース操作です。
type Store interface {
	Create(ctx context.Context, course *Course) error
	Get(ctx context.Context, id string) (*Course, error)
	List(ctx context.Context, ownerID string) ([]Course, error)
}

// HTTPHandler はコース関連のエンドポイントをまとめます。
type HTTPHandler struct {
	store       Store
	currentUser func(*gin.Context) string
	logger      *slog.Logger
}

func NewHTTPHandler(store Store, currentUser func(*gin.Context) string, logger *slog.Logger) *HTTPHandler {
	if currentUser == nil {
		currentUser = func(*gin.Context) string { return "" }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{store: store, currentUser: currentUser, logger: logger}
}

type createRequest struct {
	Title           string `json:"title" binding:"required,max=200"`
	Description     string `json:"description" binding:"max=2000"`
	DifficultyLevel string `json:"difficultyLevel" binding:"omitempty,oneof=beginner intermediate advanced expert"`
}

// Create は POST /api/courses のハンドラーです。
func (h *HTTPHandler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "title（200文字以内）を指定してください。",
		})
		return
	}

	course := &Course{
		OwnerID:     h.currentUser(c),
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		Difficulty:  req.DifficultyLevel,
		Status:      StatusDraft,
	}
	if err := h.store.Create(c.Request.Context(), course); err != nil {
		h.logger.Error("failed to create course", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "コースの作成に失敗しました。",
		})
		return
	}
	c.Header("Location", "/api/courses/"+course.ID)
	c.JSON(http.StatusCreated, course)
}

// Get は GET /api/courses/:id のハンドラーです。
func (h *HTTPHandler) Get(c *gin.Context) {
	course, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrCourseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "COURSE_NOT_FOUND",
				"message": "指定されたコースが見つかりません。",
			})
			return
		}
		h.logger.Error("failed to load course", "course_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "コース情報の取得に失敗しました。",
		})
		return
	}
	c.JSON(http.StatusOK, course)
}

// List は GET /api/courses のハンドラーです。?mine=true でログインユーザーのコースに絞り込みます。
func (h *HTTPHandler) List(c *gin.Context) {
	owner := ""
	if c.Query("mine") == "true" {
		owner = h.currentUser(c)
	}
	list, err := h.store.List(c.Request.Context(), owner)
	if err != nil {
		h.logger.Error("failed to list courses", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "コース一覧の取得に失敗しました。",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"courses": list})
}
