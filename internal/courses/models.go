// Package courses はコースと生成されたモジュール・レッスン・クイズの永続化を提供します。
package courses

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status はコースの状態です。
type Status string

const (
	StatusDraft      Status = "draft"
	StatusGenerating Status = "generating"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// QuizScope はクイズがモジュール単位かレッスン単位かを表します。
type QuizScope string

const (
	QuizScopeModule QuizScope = "module"
	QuizScopeLesson QuizScope = "lesson"
)

// ErrCourseNotFound はコースが存在しない場合に返されます。
var ErrCourseNotFound = errors.New("course not found")

type Course struct {
	ID          string     `gorm:"primaryKey;type:text" json:"id"`
	OwnerID     string     `gorm:"not null;index" json:"ownerId"`
	Title       string     `gorm:"not null" json:"title"`
	Description string     `json:"description,omitempty"`
	Difficulty  string     `json:"difficultyLevel,omitempty"`
	Status      Status     `gorm:"type:text;not null;default:draft;index" json:"status"`
	LastError   string     `json:"lastError,omitempty"`
	GeneratedAt *time.Time `json:"generatedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Modules     []Module   `json:"modules,omitempty"`
}

type Module struct {
	ID          string    `gorm:"primaryKey;type:text" json:"id"`
	CourseID    string    `gorm:"not null;index" json:"-"`
	Position    int       `gorm:"not null" json:"position"`
	Title       string    `gorm:"not null" json:"title"`
	Description string    `json:"description,omitempty"`
	Lessons     []Lesson  `json:"lessons"`
	Quiz        *Quiz     `gorm:"polymorphic:Owner" json:"quiz,omitempty"`
	CreatedAt   time.Time `json:"-"`
}

type Lesson struct {
	ID        string     `gorm:"primaryKey;type:text" json:"id"`
	ModuleID  string     `gorm:"not null;index" json:"-"`
	Position  int        `gorm:"not null" json:"position"`
	Title     string     `gorm:"not null" json:"title"`
	Content   string     `gorm:"type:text;not null" json:"content"`
	KeyPoints []string   `gorm:"type:text;serializer:json" json:"keyPoints"`
	Exercises []string   `gorm:"type:text;serializer:json" json:"exercises,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	Quiz      *Quiz      `gorm:"polymorphic:Owner" json:"quiz,omitempty"`
}

// Quiz はモジュールまたはレッスンに属します（polymorphic）。
type Quiz struct {
	ID        string     `gorm:"primaryKey;type:text" json:"id"`
	OwnerID   string     `gorm:"not null;index" json:"-"`
	OwnerType string     `gorm:"not null" json:"-"`
	Scope     QuizScope  `gorm:"type:text;not null" json:"scope"`
	Questions []Question `json:"questions"`
}

type Question struct {
	ID          string   `gorm:"primaryKey;type:text" json:"id"`
	QuizID      string   `gorm:"not null;index" json:"-"`
	Position    int      `gorm:"not null" json:"position"`
	Prompt      string   `gorm:"type:text;not null" json:"prompt"`
	Choices     []string `gorm:"type:text;serializer:json" json:"choices"`
	AnswerIndex int      `json:"answerIndex"`
	Explanation string   `gorm:"type:text" json:"explanation,omitempty"`
}

// Citation はレッスン本文の根拠となった資料の抜粋です。
type Citation struct {
	ID         string `gorm:"primaryKey;type:text" json:"id"`
	LessonID   string `gorm:"not null;index" json:"-"`
	Position   int    `gorm:"not null" json:"position"`
	DocumentID string `gorm:"not null;index" json:"documentId"`
	Excerpt    string `gorm:"type:text;not null" json:"excerpt"`
}

// Models は AutoMigrate 対象のモデル一覧です。
func Models() []any {
	return []any{&Course{}, &Module{}, &Lesson{}, &Quiz{}, &Question{}, &Citation{}}
}

func newIDIfEmpty(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func (m *Module) BeforeCreate(tx *gorm.DB) error {
	newIDIfEmpty(&m.ID)
	return nil
}

func (l *Lesson) BeforeCreate(tx *gorm.DB) error {
	newIDIfEmpty(&l.ID)
	return nil
}

func (q *Quiz) BeforeCreate(tx *gorm.DB) error {
	newIDIfEmpty(&q.ID)
	return nil
}

func (q *Question) BeforeCreate(tx *gorm.DB) error {
	newIDIfEmpty(&q.ID)
	return nil
}

func (c *Citation) BeforeCreate(tx *gorm.DB) error {
	newIDIfEmpty(&c.ID)
	return nil
}
