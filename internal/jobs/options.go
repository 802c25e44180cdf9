package jobs

import (
	"fmt"
	"strings"
)

// DifficultyLevel はコースの難易度です。
type DifficultyLevel string

const (
	DifficultyBeginner     DifficultyLevel = "beginner"
	DifficultyIntermediate DifficultyLevel = "intermediate"
	DifficultyAdvanced     DifficultyLevel = "advanced"
	DifficultyExpert       DifficultyLevel = "expert"
)

// QuizFrequency はクイズを配置する単位です。
type QuizFrequency string

const (
	QuizPerModule QuizFrequency = "module"
	QuizPerLesson QuizFrequency = "lesson"
)

const (
	MinModuleCount       = 1
	MaxModuleCount       = 6
	MinQuestionsPerQuiz  = 1
	MaxQuestionsPerQuiz  = 10
	defaultModuleCount   = 3
	defaultQuestionCount = 5
)

// Options は生成オプションです。
type Options struct {
	DifficultyLevel  DifficultyLevel `json:"difficultyLevel"`
	ModuleCount      int             `json:"moduleCount"`
	GenerateQuizzes  bool            `json:"generateQuizzes"`
	QuizFrequency    QuizFrequency   `json:"quizFrequency"`
	QuestionsPerQuiz int             `json:"questionsPerQuiz"`
	IncludeExercises bool            `json:"includeExercises"`
	IncludeExamples  bool            `json:"includeExamples"`
}

// DefaultOptions は生成オプションの既定値を返します。
func DefaultOptions() Options {
	return Options{
		DifficultyLevel:  DifficultyBeginner,
		ModuleCount:      defaultModuleCount,
		GenerateQuizzes:  true,
		QuizFrequency:    QuizPerModule,
		QuestionsPerQuiz: defaultQuestionCount,
		IncludeExercises: true,
		IncludeExamples:  true,
	}
}

// Validate は生成オプションを検証します。
// クイズを生成しない場合、クイズ関連の値は検証しません。
func (o Options) Validate() error {
	switch o.DifficultyLevel {
	case DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced, DifficultyExpert:
	default:
		return newInputError("INVALID_OPTIONS", fmt.Sprintf("difficultyLevel は beginner, intermediate, advanced, expert のいずれかを指定してください（指定値: %q）。", o.DifficultyLevel))
	}
	if o.ModuleCount < MinModuleCount || o.ModuleCount > MaxModuleCount {
		return newInputError("INVALID_OPTIONS", fmt.Sprintf("moduleCount は %d〜%d の範囲で指定してください。", MinModuleCount, MaxModuleCount))
	}
	if !o.GenerateQuizzes {
		return nil
	}
	switch o.QuizFrequency {
	case QuizPerModule, QuizPerLesson:
	default:
		return newInputError("INVALID_OPTIONS", "quizFrequency は module または lesson を指定してください。")
	}
	if o.QuestionsPerQuiz < MinQuestionsPerQuiz || o.QuestionsPerQuiz > MaxQuestionsPerQuiz {
		return newInputError("INVALID_OPTIONS", fmt.Sprintf("questionsPerQuiz は %d〜%d の範囲で指定してください。", MinQuestionsPerQuiz, MaxQuestionsPerQuiz))
	}
	return nil
}

// Normalize は表記ゆれを吸収します。
func (o Options) Normalize() Options {
	o.DifficultyLevel = DifficultyLevel(strings.ToLower(strings.TrimSpace(string(o.DifficultyLevel))))
	o.QuizFrequency = QuizFrequency(strings.ToLower(strings.TrimSpace(string(o.QuizFrequency))))
	return o
}
