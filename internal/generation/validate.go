package generation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yourusername/korsify/internal/jobs"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// maxReportedProblems を超える指摘はまとめて件数だけ示す
const maxReportedProblems = 5

// validateStruct は構造ルールの違反を人が読める形に変換します。
func validateStruct(v any) []string {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return problems
}

// checkOutline は生成オプションと入力ドキュメントに対する意味的な整合性を検証します。
func checkOutline(outline *Outline, opts jobs.Options, documentIDs []string) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(outline.Modules) != opts.ModuleCount {
		add("expected %d modules, got %d", opts.ModuleCount, len(outline.Modules))
	}

	known := make(map[string]struct{}, len(documentIDs))
	for _, id := range documentIDs {
		known[id] = struct{}{}
	}

	wantModuleQuiz := opts.GenerateQuizzes && opts.QuizFrequency == jobs.QuizPerModule
	wantLessonQuiz := opts.GenerateQuizzes && opts.QuizFrequency == jobs.QuizPerLesson

	for i, m := range outline.Modules {
		where := fmt.Sprintf("modules[%d]", i)
		if len(m.Lessons) == 0 {
			add("%s has no lessons", where)
		}
		checkQuiz(where, m.Quiz, wantModuleQuiz, opts.QuestionsPerQuiz, add)

		for j, l := range m.Lessons {
			lw := fmt.Sprintf("%s.lessons[%d]", where, j)
			checkQuiz(lw, l.Quiz, wantLessonQuiz, opts.QuestionsPerQuiz, add)
			if !opts.IncludeExercises && len(l.Exercises) > 0 {
				add("%s has exercises but exercises were not requested", lw)
			}
			for k, c := range l.Citations {
				if _, ok := known[c.DocumentID]; !ok {
					add("%s.citations[%d] references unknown document %q", lw, k, c.DocumentID)
				}
				if strings.TrimSpace(c.Excerpt) == "" {
					add("%s.citations[%d] has an empty excerpt", lw, k)
				}
			}
		}
	}
	return problems
}

func checkQuiz(where string, quiz *QuizDraft, want bool, questions int, add func(string, ...any)) {
	switch {
	case want && quiz == nil:
		add("%s is missing its quiz", where)
		return
	case !want && quiz != nil:
		add("%s has an unexpected quiz", where)
		return
	case quiz == nil:
		return
	}
	if len(quiz.Questions) != questions {
		add("%s.quiz has %d questions, expected %d", where, len(quiz.Questions), questions)
	}
	for i, q := range quiz.Questions {
		if q.AnswerIndex < 0 || q.AnswerIndex >= len(q.Choices) {
			add("%s.quiz.questions[%d] answerIndex %d is out of range", where, i, q.AnswerIndex)
		}
	}
}

// validationError は指摘事項をまとめて INVALID_RESPONSE のエラーにします。
func validationError(phase jobs.Phase, problems []string) *Error {
	shown := problems
	if len(shown) > maxReportedProblems {
		shown = shown[:maxReportedProblems]
	}
	msg := strings.Join(shown, "; ")
	if rest := len(problems) - len(shown); rest > 0 {
		msg += fmt.Sprintf(" (and %d more)", rest)
	}
	return newError(jobs.KindInvalidResponse, phase, "生成結果が要件を満たしていません", errors.New(msg))
}
