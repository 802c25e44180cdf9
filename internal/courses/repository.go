package courses

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository は gorm によるコースの永続化を行います。
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepository は Repository を作成します。
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// AutoMigrate はコース関連のテーブルを作成・更新します。
func (r *Repository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(Models()...)
}

func (r *Repository) Create(ctx context.Context, course *Course) error {
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	if course.Status == "" {
		course.Status = StatusDraft
	}
	if err := r.db.WithContext(ctx).Omit("Modules").Create(course).Error; err != nil {
		return fmt.Errorf("failed to create course: %w", err)
	}
	return nil
}

// Get はモジュール以下のツリーを読み込んだコースを返します。
func (r *Repository) Get(ctx context.Context, id string) (*Course, error) {
	byPosition := func(db *gorm.DB) *gorm.DB { return db.Order("position") }

	var course Course
	err := r.db.WithContext(ctx).
		Preload("Modules", byPosition).
		Preload("Modules.Quiz").
		Preload("Modules.Quiz.Questions", byPosition).
		Preload("Modules.Lessons", byPosition).
		Preload("Modules.Lessons.Citations", byPosition).
		Preload("Modules.Lessons.Quiz").
		Preload("Modules.Lessons.Quiz.Questions", byPosition).
		First(&course, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCourseNotFound
		}
		return nil, fmt.Errorf("failed to get course: %w", err)
	}
	return &course, nil
}

// List は所有者のコースを新しい順に返します。ownerID が空の場合はすべて返します。
func (r *Repository) List(ctx context.Context, ownerID string) ([]Course, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	courses := []Course{}
	if err := q.Find(&courses).Error; err != nil {
		return nil, fmt.Errorf("failed to list courses: %w", err)
	}
	return courses, nil
}

func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Course{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check course: %w", err)
	}
	return count > 0, nil
}

// CourseExists は Exists の別名です（ジョブ受付とアップロードの検証用）。
func (r *Repository) CourseExists(ctx context.Context, id string) (bool, error) {
	return r.Exists(ctx, id)
}

// MarkGenerating はコースを生成中にし、前回生成した内容を削除します。
func (r *Repository) MarkGenerating(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteContent(tx, id); err != nil {
			return err
		}
		return updateCourse(tx, id, map[string]any{
			"status":       StatusGenerating,
			"last_error":   "",
			"generated_at": nil,
		})
	})
}

// SaveModule はモジュールとその配下（レッスン、クイズ、設問、引用）を 1 トランザクションで保存します。
func (r *Repository) SaveModule(ctx context.Context, courseID string, module *Module) error {
	module.CourseID = courseID
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Course{}).Where("id = ?", courseID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrCourseNotFound
		}
		if err := tx.Create(module).Error; err != nil {
			return fmt.Errorf("failed to save module: %w", err)
		}
		return nil
	})
}

func (r *Repository) MarkGenerated(ctx context.Context, id string) error {
	return updateCourse(r.db.WithContext(ctx), id, map[string]any{
		"status":       StatusReady,
		"last_error":   "",
		"generated_at": r.now(),
	})
}

// MarkFailed は生成失敗を記録します。保存済みのモジュールは残します。
func (r *Repository) MarkFailed(ctx context.Context, id, message string) error {
	return updateCourse(r.db.WithContext(ctx), id, map[string]any{
		"status":     StatusFailed,
		"last_error": message,
	})
}

func (r *Repository) CountModules(ctx context.Context, courseID string) (int, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Module{}).Where("course_id = ?", courseID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func updateCourse(db *gorm.DB, id string, values map[string]any) error {
	res := db.Model(&Course{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return fmt.Errorf("failed to update course: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCourseNotFound
	}
	return nil
}

// deleteContent はコース配下のモジュールを葉から順に削除します。
func deleteContent(tx *gorm.DB, courseID string) error {
	var moduleIDs []string
	if err := tx.Model(&Module{}).Where("course_id = ?", courseID).Pluck("id", &moduleIDs).Error; err != nil {
		return err
	}
	if len(moduleIDs) == 0 {
		return nil
	}
	var lessonIDs []string
	if err := tx.Model(&Lesson{}).Where("module_id IN ?", moduleIDs).Pluck("id", &lessonIDs).Error; err != nil {
		return err
	}
	ownerIDs := append(append([]string{}, moduleIDs...), lessonIDs...)

	var quizIDs []string
	if err := tx.Model(&Quiz{}).Where("owner_id IN ?", ownerIDs).Pluck("id", &quizIDs).Error; err != nil {
		return err
	}
	if len(quizIDs) > 0 {
		if err := tx.Where("quiz_id IN ?", quizIDs).Delete(&Question{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", quizIDs).Delete(&Quiz{}).Error; err != nil {
			return err
		}
	}
	if len(lessonIDs) > 0 {
		if err := tx.Where("lesson_id IN ?", lessonIDs).Delete(&Citation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", lessonIDs).Delete(&Lesson{}).Error; err != nil {
			return err
		}
	}
	return tx.Where("id IN ?", moduleIDs).Delete(&Module{}).Error
}
