package documents

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Uploader は HTTP ハンドラーが必要とするドキュメント操作です。
type Uploader interface {
	Upload(ctx context.Context, in UploadInput) (*Document, error)
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context, courseID string) ([]Document, error)
}

// HTTPHandler はドキュメント関連のエンドポイントをまとめます。
type HTTPHandler struct {
	service     Uploader
	currentUser func(*gin.Context) string
	logger      *slog.Logger
}

// NewHTTPHandler は HTTPHandler を作成します。
func NewHTTPHandler(service Uploader, currentUser func(*gin.Context) string, logger *slog.Logger) *HTTPHandler {
	if currentUser == nil {
		currentUser = func(*gin.Context) string { return "" }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{service: service, currentUser: currentUser, logger: logger}
}

// Upload は POST /api/courses/:id/documents のハンドラーです。
func (h *HTTPHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "file フィールドにファイルを指定してください。",
		})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_FILE",
			"message": "アップロードされたファイルを開けませんでした。",
		})
		return
	}
	defer f.Close()

	doc, err := h.service.Upload(c.Request.Context(), UploadInput{
		CourseID:   c.Param("id"),
		Filename:   fileHeader.Filename,
		Size:       fileHeader.Size,
		Body:       f,
		UploadedBy: h.currentUser(c),
	})
	if err != nil {
		h.writeError(c, err, "ドキュメントの保存に失敗しました。")
		return
	}
	c.JSON(http.StatusCreated, doc)
}

// List は GET /api/courses/:id/documents のハンドラーです。
func (h *HTTPHandler) List(c *gin.Context) {
	docs, err := h.service.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "ドキュメント一覧の取得に失敗しました。")
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// Get は GET /api/documents/:id のハンドラーです。
func (h *HTTPHandler) Get(c *gin.Context) {
	doc, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "ドキュメント情報の取得に失敗しました。")
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *HTTPHandler) writeError(c *gin.Context, err error, fallback string) {
	var docErr *Error
	switch {
	case errors.As(err, &docErr):
		c.JSON(docErr.HTTPStatus(), gin.H{
			"code":    docErr.Code,
			"message": docErr.Message,
		})
	case errors.Is(err, ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "DOCUMENT_NOT_FOUND",
			"message": "指定されたドキュメントは存在しません。",
		})
	default:
		h.logger.Error("document request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": fallback,
		})
	}
}
