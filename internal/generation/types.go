// Package generation はドキュメントからコースを生成する 5 段階のパイプラインを提供します。
//
// 各段階の開始前に進捗を報告し、失敗した段階と分類を *Error で返します。
// 保存済みのモジュールは失敗時にも削除しません。
package generation

import (
	"context"
	"fmt"

	"github.com/yourusername/korsify/internal/courses"
	"github.com/yourusername/korsify/internal/documents"
	"github.com/yourusername/korsify/internal/jobs"
)

// DocumentSource は生成に使う本文を提供します。
type DocumentSource interface {
	LoadTexts(ctx context.Context, ids []string) ([]documents.Text, error)
}

// CourseWriter は生成結果をコースへ書き込みます。
type CourseWriter interface {
	MarkGenerating(ctx context.Context, courseID string) error
	SaveModule(ctx context.Context, courseID string, module *courses.Module) error
	MarkGenerated(ctx context.Context, courseID string) error
	MarkFailed(ctx context.Context, courseID, message string) error
}

// Input はパイプラインへの入力です。
type Input struct {
	JobID       string
	CourseID    string
	DocumentIDs []string
	Options     jobs.Options
}

// Result はパイプラインの実行結果です。
type Result struct {
	Analysis   *Analysis
	Modules    int
	TokensUsed int
}

// Error は失敗した段階と分類を持つエラーです。
type Error struct {
	Code    jobs.ErrorKind
	Phase   jobs.Phase
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Phase, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Phase, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorKind はジョブの失敗分類を返します。
func (e *Error) ErrorKind() jobs.ErrorKind {
	return e.Code
}

func newError(code jobs.ErrorKind, phase jobs.Phase, message string, err error) *Error {
	return &Error{Code: code, Phase: phase, Message: message, Err: err}
}

// Analysis は content_analysis 段階の出力です。
type Analysis struct {
	Summary     string   `json:"summary" validate:"required"`
	Topics      []string `json:"topics" validate:"required,min=1,dive,required"`
	KeyConcepts []string `json:"keyConcepts" validate:"required,min=1,dive,required"`
	Audience    string   `json:"audience"`
}

// Outline は content_generation 段階の出力です。
type Outline struct {
	Modules []ModuleDraft `json:"modules" validate:"required,min=1,dive"`
}

type ModuleDraft struct {
	Title       string        `json:"title" validate:"required"`
	Description string        `json:"description"`
	Lessons     []LessonDraft `json:"lessons" validate:"required,min=1,dive"`
	Quiz        *QuizDraft    `json:"quiz,omitempty"`
}

type LessonDraft struct {
	Title     string          `json:"title" validate:"required"`
	Content   string          `json:"content" validate:"required"`
	KeyPoints []string        `json:"keyPoints" validate:"dive,required"`
	Exercises []string        `json:"exercises,omitempty" validate:"dive,required"`
	Citations []CitationDraft `json:"citations" validate:"dive"`
	Quiz      *QuizDraft      `json:"quiz,omitempty"`
}

type QuizDraft struct {
	Questions []QuestionDraft `json:"questions" validate:"required,min=1,dive"`
}

type QuestionDraft struct {
	Prompt      string   `json:"prompt" validate:"required"`
	Choices     []string `json:"choices" validate:"min=2,max=6,dive,required"`
	AnswerIndex int      `json:"answerIndex" validate:"gte=0"`
	Explanation string   `json:"explanation,omitempty"`
}

type CitationDraft struct {
	DocumentID string `json:"documentId" validate:"required"`
	Excerpt    string `json:"excerpt" validate:"required"`
}
