package generation

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/yourusername/korsify/internal/courses"
	"github.com/yourusername/korsify/internal/documents"
	"github.com/yourusername/korsify/internal/jobs"
	"github.com/yourusername/korsify/internal/llm"
)

// finalization 中の進捗は 85 から 99 までモジュール単位で進める
const finalizationCeiling = 99

// PipelineConfig は Pipeline の依存関係です。
type PipelineConfig struct {
	LLM         llm.Client
	Documents   DocumentSource
	Courses     CourseWriter
	Temperature float64
	MaxTokens   int
	Logger      *slog.Logger
}

// Pipeline はコース生成の各段階を順に実行します。
type Pipeline struct {
	llm         llm.Client
	documents   DocumentSource
	courses     CourseWriter
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

// NewPipeline は Pipeline を初期化します。
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.LLM == nil {
		return nil, errors.New("llm client is nil")
	}
	if cfg.Documents == nil {
		return nil, errors.New("document source is nil")
	}
	if cfg.Courses == nil {
		return nil, errors.New("course writer is nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		llm:         cfg.LLM,
		documents:   cfg.Documents,
		courses:     cfg.Courses,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger.With("component", "generation"),
	}, nil
}

// Run はパイプラインを実行します。失敗した場合、コースを failed にしてから *Error を返します。
func (p *Pipeline) Run(ctx context.Context, in Input, report jobs.ProgressFunc) (*Result, error) {
	if report == nil {
		report = func(jobs.Phase, int) {}
	}
	logger := p.logger.With("job_id", in.JobID, "course_id", in.CourseID)

	result, err := p.run(ctx, in, report, logger)
	if err != nil {
		if markErr := p.courses.MarkFailed(context.WithoutCancel(ctx), in.CourseID, err.Error()); markErr != nil {
			logger.Warn("failed to mark course failed", "error", markErr)
		}
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, in Input, report jobs.ProgressFunc, logger *slog.Logger) (*Result, error) {
	result := &Result{}

	// 1. document_analysis
	phase := jobs.PhaseDocumentAnalysis
	report(phase, jobs.PhaseProgress(phase))
	if err := p.courses.MarkGenerating(ctx, in.CourseID); err != nil {
		return nil, newError(jobs.KindStorage, phase, "コースの状態を更新できませんでした", err)
	}
	texts, err := p.loadDocuments(ctx, in.DocumentIDs)
	if err != nil {
		return nil, err
	}
	logger.Info("documents loaded", "documents", len(texts))

	// 2. content_analysis
	phase = jobs.PhaseContentAnalysis
	report(phase, jobs.PhaseProgress(phase))
	var analysis Analysis
	tokens, err := p.completeJSON(ctx, phase, analysisPrompt(texts, in.Options), &analysis)
	result.TokensUsed += tokens
	if err != nil {
		return nil, err
	}
	if problems := validateStruct(&analysis); len(problems) > 0 {
		return nil, validationError(phase, problems)
	}
	result.Analysis = &analysis

	// 3. content_generation
	phase = jobs.PhaseContentGeneration
	report(phase, jobs.PhaseProgress(phase))
	var outline Outline
	tokens, err = p.completeJSON(ctx, phase, outlinePrompt(texts, &analysis, in.Options), &outline)
	result.TokensUsed += tokens
	if err != nil {
		return nil, err
	}

	// 4. validation
	phase = jobs.PhaseValidation
	report(phase, jobs.PhaseProgress(phase))
	problems := validateStruct(&outline)
	problems = append(problems, checkOutline(&outline, in.Options, in.DocumentIDs)...)
	if len(problems) > 0 {
		return nil, validationError(phase, problems)
	}

	// 5. finalization
	phase = jobs.PhaseFinalization
	start := jobs.PhaseProgress(phase)
	report(phase, start)
	for i := range outline.Modules {
		if err := ctx.Err(); err != nil {
			return nil, newError(jobs.KindTimeout, phase, "処理が中断されました", err)
		}
		module := toModule(i+1, &outline.Modules[i])
		if err := p.courses.SaveModule(ctx, in.CourseID, module); err != nil {
			return nil, newError(jobs.KindStorage, phase, "モジュールを保存できませんでした", err)
		}
		result.Modules++
		report(phase, start+(finalizationCeiling-start)*(i+1)/len(outline.Modules))
	}
	if err := p.courses.MarkGenerated(ctx, in.CourseID); err != nil {
		return nil, newError(jobs.KindStorage, phase, "コースの状態を更新できませんでした", err)
	}

	logger.Info("course generated", "modules", result.Modules, "tokens", result.TokensUsed, "model", p.llm.ModelName())
	return result, nil
}

func (p *Pipeline) loadDocuments(ctx context.Context, ids []string) ([]documents.Text, error) {
	phase := jobs.PhaseDocumentAnalysis
	if len(ids) == 0 {
		return nil, newError(jobs.KindDocument, phase, "ドキュメントが指定されていません", nil)
	}
	texts, err := p.documents.LoadTexts(ctx, ids)
	if err != nil {
		return nil, newError(jobs.KindDocument, phase, "ドキュメントを読み込めませんでした", err)
	}
	for _, t := range texts {
		if strings.TrimSpace(t.Content) == "" {
			return nil, newError(jobs.KindDocument, phase, "本文が空のドキュメントがあります: "+t.DocumentID, nil)
		}
	}
	return texts, nil
}

// completeJSON は LLM に JSON 応答を求め、v にデコードします。使用トークン数を返します。
func (p *Pipeline) completeJSON(ctx context.Context, phase jobs.Phase, prompt string, v any) (int, error) {
	resp, err := p.llm.Complete(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      prompt,
		JSON:        true,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return 0, newError(jobs.KindUpstream, phase, "AI の呼び出しに失敗しました", err)
	}
	if err := llm.DecodeJSON(resp.Content, v); err != nil {
		return resp.TokensUsed, newError(jobs.KindInvalidResponse, phase, "AI の応答を解釈できませんでした", err)
	}
	return resp.TokensUsed, nil
}

func toModule(position int, d *ModuleDraft) *courses.Module {
	m := &courses.Module{
		Position:    position,
		Title:       strings.TrimSpace(d.Title),
		Description: strings.TrimSpace(d.Description),
		Quiz:        toQuiz(courses.QuizScopeModule, d.Quiz),
	}
	for i, l := range d.Lessons {
		lesson := courses.Lesson{
			Position:  i + 1,
			Title:     strings.TrimSpace(l.Title),
			Content:   l.Content,
			KeyPoints: l.KeyPoints,
			Exercises: l.Exercises,
			Quiz:      toQuiz(courses.QuizScopeLesson, l.Quiz),
		}
		for j, c := range l.Citations {
			lesson.Citations = append(lesson.Citations, courses.Citation{
				Position:   j + 1,
				DocumentID: c.DocumentID,
				Excerpt:    strings.TrimSpace(c.Excerpt),
			})
		}
		m.Lessons = append(m.Lessons, lesson)
	}
	return m
}

func toQuiz(scope courses.QuizScope, d *QuizDraft) *courses.Quiz {
	if d == nil {
		return nil
	}
	q := &courses.Quiz{Scope: scope}
	for i, qd := range d.Questions {
		q.Questions = append(q.Questions, courses.Question{
			Position:    i + 1,
			Prompt:      qd.Prompt,
			Choices:     qd.Choices,
			AnswerIndex: qd.AnswerIndex,
			Explanation: qd.Explanation,
		})
	}
	return q
}
