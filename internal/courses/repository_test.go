package courses

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// インメモリ DB は接続ごとに別データベースになるため 1 接続に固定する
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := NewRepository(db)
	require.NoError(t, repo.AutoMigrate(context.Background()))
	return repo
}

func sampleModule(position int, withLessonQuiz bool) *Module {
	lesson := Lesson{
		Position:  1,
		Title:     "goroutine",
		Content:   "goroutine は軽量スレッドです。",
		KeyPoints: []string{"go キーワード", "スケジューラ"},
		Exercises: []string{"ゴルーチンを 10 個起動する"},
		Citations: []Citation{{Position: 1, DocumentID: "d1", Excerpt: "goroutines are cheap"}},
	}
	if withLessonQuiz {
		lesson.Quiz = &Quiz{Scope: QuizScopeLesson, Questions: []Question{
			{Position: 1, Prompt: "キーワードは?", Choices: []string{"go", "run"}, AnswerIndex: 0},
		}}
	}
	return &Module{
		Position: position,
		Title:    "並行処理",
		Lessons:  []Lesson{lesson},
		Quiz: &Quiz{Scope: QuizScopeModule, Questions: []Question{
			{Position: 2, Prompt: "2問目", Choices: []string{"a", "b", "c"}, AnswerIndex: 2},
			{Position: 1, Prompt: "1問目", Choices: []string{"a", "b"}, AnswerIndex: 1, Explanation: "b が正解"},
		}},
	}
}

func TestRepositoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	course := &Course{OwnerID: "alice", Title: "Go 入門"}
	require.NoError(t, repo.Create(ctx, course))
	assert.NotEmpty(t, course.ID)
	assert.Equal(t, StatusDraft, course.Status)

	ok, err := repo.Exists(ctx, course.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CourseExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCourseNotFound)

	list, err := repo.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = repo.List(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRepositorySaveModuleTree(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	course := &Course{OwnerID: "alice", Title: "Go 入門"}
	require.NoError(t, repo.Create(ctx, course))
	require.NoError(t, repo.MarkGenerating(ctx, course.ID))

	require.NoError(t, repo.SaveModule(ctx, course.ID, sampleModule(2, false)))
	require.NoError(t, repo.SaveModule(ctx, course.ID, sampleModule(1, true)))

	n, err := repo.CountModules(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, repo.MarkGenerated(ctx, course.ID))

	got, err := repo.Get(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	require.NotNil(t, got.GeneratedAt)
	require.Len(t, got.Modules, 2)

	first := got.Modules[0]
	assert.Equal(t, 1, first.Position)
	require.Len(t, first.Lessons, 1)
	lesson := first.Lessons[0]
	assert.Equal(t, []string{"go キーワード", "スケジューラ"}, lesson.KeyPoints)
	require.Len(t, lesson.Citations, 1)
	assert.Equal(t, "d1", lesson.Citations[0].DocumentID)
	require.NotNil(t, lesson.Quiz)
	assert.Equal(t, QuizScopeLesson, lesson.Quiz.Scope)

	require.NotNil(t, first.Quiz)
	assert.Equal(t, QuizScopeModule, first.Quiz.Scope)
	require.Len(t, first.Quiz.Questions, 2)
	assert.Equal(t, "1問目", first.Quiz.Questions[0].Prompt)
	assert.Equal(t, []string{"a", "b"}, first.Quiz.Questions[0].Choices)

	assert.Nil(t, got.Modules[1].Lessons[0].Quiz)
}

func TestRepositorySaveModuleUnknownCourse(t *testing.T) {
	repo := newTestRepository(t)
	err := repo.SaveModule(context.Background(), "missing", sampleModule(1, false))
	assert.ErrorIs(t, err, ErrCourseNotFound)
}

func TestRepositoryFailureKeepsSavedModules(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	course := &Course{OwnerID: "alice", Title: "Go 入門"}
	require.NoError(t, repo.Create(ctx, course))
	require.NoError(t, repo.MarkGenerating(ctx, course.ID))
	require.NoError(t, repo.SaveModule(ctx, course.ID, sampleModule(1, true)))
	require.NoError(t, repo.MarkFailed(ctx, course.ID, "upstream error"))

	got, err := repo.Get(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "upstream error", got.LastError)
	assert.Len(t, got.Modules, 1)

	// 再生成では前回の内容を消してから始める
	require.NoError(t, repo.MarkGenerating(ctx, course.ID))
	n, err := repo.CountModules(ctx, course.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	var questions int64
	require.NoError(t, repo.db.Model(&Question{}).Count(&questions).Error)
	assert.Zero(t, questions)

	got, err = repo.Get(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusGenerating, got.Status)
	assert.Empty(t, got.LastError)
}

func TestRepositoryMarkUnknownCourse(t *testing.T) {
	repo := newTestRepository(t)
	assert.ErrorIs(t, repo.MarkGenerated(context.Background(), "missing"), ErrCourseNotFound)
	assert.ErrorIs(t, repo.MarkFailed(context.Background(), "missing", "x"), ErrCourseNotFound)
}
