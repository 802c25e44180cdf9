package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yourusername/korsify/internal/documents"
	"github.com/yourusername/korsify/internal/jobs"
)

const systemPrompt = `You are an instructional designer who turns source documents into structured online courses.
Respond with a single JSON object and nothing else.
Write in the same language as the source documents.
Only state facts that are supported by the source documents.`

const analysisSchema = `{
  "summary": "string, 2-4 sentences",
  "topics": ["string"],
  "keyConcepts": ["string"],
  "audience": "string"
}`

const outlineSchema = `{
  "modules": [{
    "title": "string",
    "description": "string",
    "lessons": [{
      "title": "string",
      "content": "string (markdown)",
      "keyPoints": ["string"],
      "exercises": ["string"],
      "citations": [{"documentId": "string", "excerpt": "verbatim quote from the document"}],
      "quiz": {"questions": [{"prompt": "string", "choices": ["string"], "answerIndex": 0, "explanation": "string"}]}
    }],
    "quiz": {"questions": [...]}
  }]
}`

// writeSources は本文を documentId 付きの区切りで連結します。
func writeSources(sb *strings.Builder, texts []documents.Text) {
	for _, t := range texts {
		title := t.Title
		if title == "" {
			title = t.Filename
		}
		fmt.Fprintf(sb, "<document id=%q title=%q>\n%s\n</document>\n\n", t.DocumentID, title, t.Content)
	}
}

func analysisPrompt(texts []documents.Text, opts jobs.Options) string {
	var sb strings.Builder
	sb.WriteString("Analyse the following source documents for a ")
	sb.WriteString(string(opts.DifficultyLevel))
	sb.WriteString(" level course.\n")
	sb.WriteString("Return JSON with this shape:\n")
	sb.WriteString(analysisSchema)
	sb.WriteString("\n\n")
	writeSources(&sb, texts)
	return sb.String()
}

func outlinePrompt(texts []documents.Text, analysis *Analysis, opts jobs.Options) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Create a %s level course with exactly %d modules. Every module has at least one lesson.\n",
		opts.DifficultyLevel, opts.ModuleCount)

	switch {
	case !opts.GenerateQuizzes:
		sb.WriteString("Do not include any quiz.\n")
	case opts.QuizFrequency == jobs.QuizPerLesson:
		fmt.Fprintf(&sb, "Every lesson has a quiz with exactly %d multiple-choice questions. Modules have no quiz.\n", opts.QuestionsPerQuiz)
	default:
		fmt.Fprintf(&sb, "Every module has a quiz with exactly %d multiple-choice questions. Lessons have no quiz.\n", opts.QuestionsPerQuiz)
	}
	if opts.GenerateQuizzes {
		sb.WriteString("Each question has 2 to 6 choices and answerIndex is the zero-based index of the correct choice.\n")
	}
	if opts.IncludeExercises {
		sb.WriteString("Add practical exercises to each lesson.\n")
	} else {
		sb.WriteString("Do not include exercises; omit the exercises field.\n")
	}
	if opts.IncludeExamples {
		sb.WriteString("Illustrate lesson content with concrete examples.\n")
	}
	sb.WriteString("Cite the source documents by documentId with a short verbatim excerpt.\n")

	if analysis != nil {
		raw, _ := json.Marshal(analysis)
		sb.WriteString("\nContent analysis:\n")
		sb.Write(raw)
		sb.WriteString("\n")
	}

	sb.WriteString("\nReturn JSON with this shape:\n")
	sb.WriteString(outlineSchema)
	sb.WriteString("\n\n")
	writeSources(&sb, texts)
	return sb.String()
}
