// Package documents はコース素材ドキュメントのアップロード、本文抽出、保存を提供します。
package documents

import (
	"errors"
	"net/http"
	"time"
)

// Format はドキュメント形式です。
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatText     Format = "txt"
	FormatMarkdown Format = "md"
	FormatDOCX     Format = "docx"
)

// Document はアップロード済みドキュメントのメタデータと抽出本文です。
type Document struct {
	ID          string    `json:"id"`
	CourseID    string    `json:"courseId"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Format      Format    `json:"format"`
	SizeBytes   int64     `json:"sizeBytes"`
	StorageKey  string    `json:"-"`
	Title       string    `json:"title,omitempty"`
	PageCount   int       `json:"pageCount,omitempty"`
	TokenCount  int       `json:"tokenCount"`
	Text        string    `json:"-"`
	UploadedBy  string    `json:"uploadedBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Text は生成パイプラインへ渡す本文です。
type Text struct {
	DocumentID string
	Title      string
	Filename   string
	Content    string
}

// ErrDocumentNotFound はドキュメントが存在しない場合に返されます。
var ErrDocumentNotFound = errors.New("document not found")

// Error はクライアントへ返すエラーコードとメッセージを持つエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus はエラーコードに対応する HTTP ステータスを返します。
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case "LIMIT_EXCEEDED":
		return http.StatusRequestEntityTooLarge
	case "UNSUPPORTED_TYPE":
		return http.StatusUnsupportedMediaType
	case "COURSE_NOT_FOUND", "DOCUMENT_NOT_FOUND":
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
