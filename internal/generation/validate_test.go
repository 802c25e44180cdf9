package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yourusername/korsify/internal/jobs"
)

func TestCheckOutline(t *testing.T) {
	base := scenarioOptions()

	tests := []struct {
		name    string
		opts    func(o *jobs.Options)
		outline func(o *Outline)
		want    string
	}{
		{
			name: "valid",
		},
		{
			name:    "missing module quiz",
			outline: func(o *Outline) { o.Modules[1].Quiz = nil },
			want:    "modules[1] is missing its quiz",
		},
		{
			name:    "quiz when quizzes disabled",
			opts:    func(o *jobs.Options) { o.GenerateQuizzes = false },
			outline: func(o *Outline) {},
			want:    "modules[0] has an unexpected quiz",
		},
		{
			name: "lesson frequency requires lesson quizzes",
			opts: func(o *jobs.Options) { o.QuizFrequency = jobs.QuizPerLesson },
			want: "modules[0].lessons[0] is missing its quiz",
		},
		{
			name:    "question count",
			outline: func(o *Outline) { o.Modules[0].Quiz.Questions = o.Modules[0].Quiz.Questions[:2] },
			want:    "modules[0].quiz has 2 questions, expected 5",
		},
		{
			name:    "answer index out of range",
			outline: func(o *Outline) { o.Modules[2].Quiz.Questions[0].AnswerIndex = 3 },
			want:    "modules[2].quiz.questions[0] answerIndex 3 is out of range",
		},
		{
			name: "exercises not requested",
			opts: func(o *jobs.Options) { o.IncludeExercises = false },
			want: "modules[0].lessons[0] has exercises but exercises were not requested",
		},
		{
			name:    "blank excerpt",
			outline: func(o *Outline) { o.Modules[0].Lessons[0].Citations[0].Excerpt = "  " },
			want:    "modules[0].lessons[0].citations[0] has an empty excerpt",
		},
		{
			name:    "no lessons",
			outline: func(o *Outline) { o.Modules[0].Lessons = nil },
			want:    "modules[0] has no lessons",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			if tt.opts != nil {
				tt.opts(&opts)
			}
			outline := sampleOutline(3, 5, "d1")
			if tt.outline != nil {
				tt.outline(&outline)
			}

			problems := checkOutline(&outline, opts, []string{"d1"})
			if tt.want == "" {
				assert.Empty(t, problems)
				return
			}
			assert.Contains(t, problems, tt.want)
		})
	}
}

func TestValidateStructReportsFields(t *testing.T) {
	outline := sampleOutline(1, 1, "d1")
	outline.Modules[0].Quiz.Questions[0].Choices = []string{"only"}
	outline.Modules[0].Lessons[0].Title = ""

	problems := validateStruct(&outline)
	assert.Len(t, problems, 2)
	assert.Contains(t, problems, `Outline.Modules[0].Lessons[0].Title failed "required"`)
	assert.Contains(t, problems, `Outline.Modules[0].Quiz.Questions[0].Choices failed "min"`)
}

func TestValidationErrorTruncatesProblems(t *testing.T) {
	problems := []string{"a", "b", "c", "d", "e", "f", "g"}
	err := validationError(jobs.PhaseValidation, problems)

	assert.Equal(t, jobs.KindInvalidResponse, err.ErrorKind())
	assert.Contains(t, err.Error(), "a; b; c; d; e (and 2 more)")
}
