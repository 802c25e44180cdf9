package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/korsify/internal/courses"
	"github.com/yourusername/korsify/internal/documents"
	"github.com/yourusername/korsify/internal/jobs"
	"github.com/yourusername/korsify/internal/llm"
)

// scriptedLLM は呼び出し順に応答を返します。
type scriptedLLM struct {
	mu        sync.Mutex
	responses []func(ctx context.Context, req llm.Request) (llm.Response, error)
	requests  []llm.Request
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		s.mu.Unlock()
		return llm.Response{}, errors.New("unexpected call")
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	s.mu.Unlock()
	return next(ctx, req)
}

func (s *scriptedLLM) ModelName() string { return "scripted" }

func reply(v any) func(context.Context, llm.Request) (llm.Response, error) {
	raw, _ := json.Marshal(v)
	return func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{Content: string(raw), TokensUsed: 10}, nil
	}
}

func replyText(s string) func(context.Context, llm.Request) (llm.Response, error) {
	return func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{Content: s}, nil
	}
}

func replyErr(err error) func(context.Context, llm.Request) (llm.Response, error) {
	return func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{}, err
	}
}

type stubSource map[string]string

func (s stubSource) LoadTexts(ctx context.Context, ids []string) ([]documents.Text, error) {
	var out []documents.Text
	for _, id := range ids {
		content, ok := s[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", documents.ErrDocumentNotFound, id)
		}
		out = append(out, documents.Text{DocumentID: id, Filename: id + ".md", Content: content})
	}
	return out, nil
}

type recordingWriter struct {
	mu         sync.Mutex
	status     map[string]courses.Status
	modules    []*courses.Module
	lastError  string
	failSaveAt int
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{status: map[string]courses.Status{}}
}

func (w *recordingWriter) MarkGenerating(ctx context.Context, courseID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status[courseID] = courses.StatusGenerating
	return nil
}

func (w *recordingWriter) SaveModule(ctx context.Context, courseID string, m *courses.Module) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failSaveAt > 0 && len(w.modules)+1 == w.failSaveAt {
		return errors.New("disk full")
	}
	w.modules = append(w.modules, m)
	return nil
}

func (w *recordingWriter) MarkGenerated(ctx context.Context, courseID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status[courseID] = courses.StatusReady
	return nil
}

func (w *recordingWriter) MarkFailed(ctx context.Context, courseID, message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status[courseID] = courses.StatusFailed
	w.lastError = message
	return nil
}

type progressLog struct {
	mu      sync.Mutex
	entries []progressEntry
}

type progressEntry struct {
	Phase   jobs.Phase
	Percent int
}

func (l *progressLog) report(phase jobs.Phase, percent int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, progressEntry{phase, percent})
}

func sampleAnalysis() Analysis {
	return Analysis{
		Summary:     "Go の並行処理の入門資料です。",
		Topics:      []string{"goroutine", "channel"},
		KeyConcepts: []string{"CSP"},
		Audience:    "Go 初学者",
	}
}

// sampleOutline は moduleCount 個のモジュールを持ち、モジュールごとにクイズを付けたアウトラインを返します。
func sampleOutline(moduleCount, questions int, docID string) Outline {
	var out Outline
	for i := 0; i < moduleCount; i++ {
		quiz := &QuizDraft{}
		for q := 0; q < questions; q++ {
			quiz.Questions = append(quiz.Questions, QuestionDraft{
				Prompt:      fmt.Sprintf("Q%d", q+1),
				Choices:     []string{"A", "B", "C"},
				AnswerIndex: q % 3,
			})
		}
		out.Modules = append(out.Modules, ModuleDraft{
			Title: fmt.Sprintf("Module %d", i+1),
			Lessons: []LessonDraft{{
				Title:     "Lesson",
				Content:   "本文",
				KeyPoints: []string{"point"},
				Exercises: []string{"exercise"},
				Citations: []CitationDraft{{DocumentID: docID, Excerpt: "goroutines are cheap"}},
			}},
			Quiz: quiz,
		})
	}
	return out
}

func scenarioOptions() jobs.Options {
	return jobs.Options{
		DifficultyLevel:  jobs.DifficultyBeginner,
		ModuleCount:      3,
		GenerateQuizzes:  true,
		QuizFrequency:    jobs.QuizPerModule,
		QuestionsPerQuiz: 5,
		IncludeExercises: true,
		IncludeExamples:  true,
	}
}

func newTestPipeline(t *testing.T, client llm.Client, writer CourseWriter) *Pipeline {
	t.Helper()
	p, err := NewPipeline(PipelineConfig{
		LLM:       client,
		Documents: stubSource{"d1": "goroutines are cheap threads managed by the Go runtime."},
		Courses:   writer,
	})
	require.NoError(t, err)
	return p
}

func scenarioInput() Input {
	return Input{JobID: "j1", CourseID: "c1", DocumentIDs: []string{"d1"}, Options: scenarioOptions()}
}

func assertMonotonic(t *testing.T, entries []progressEntry) {
	t.Helper()
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		assert.GreaterOrEqual(t, cur.Phase.Index(), prev.Phase.Index(), "phase moved backward at %d", i)
		assert.GreaterOrEqual(t, cur.Percent, prev.Percent, "progress decreased at %d", i)
		assert.LessOrEqual(t, cur.Percent, 100)
	}
}

func TestPipelineGeneratesCourse(t *testing.T) {
	client := &scriptedLLM{responses: []func(context.Context, llm.Request) (llm.Response, error){
		reply(sampleAnalysis()),
		reply(sampleOutline(3, 5, "d1")),
	}}
	writer := newRecordingWriter()
	log := &progressLog{}

	result, err := newTestPipeline(t, client, writer).Run(context.Background(), scenarioInput(), log.report)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Modules)
	assert.Equal(t, 20, result.TokensUsed)
	assert.Equal(t, courses.StatusReady, writer.status["c1"])
	require.Len(t, writer.modules, 3)
	assert.Equal(t, 1, writer.modules[0].Position)
	require.NotNil(t, writer.modules[0].Quiz)
	assert.Len(t, writer.modules[0].Quiz.Questions, 5)
	assert.Equal(t, "d1", writer.modules[0].Lessons[0].Citations[0].DocumentID)

	var phases []jobs.Phase
	for _, e := range log.entries {
		if len(phases) == 0 || phases[len(phases)-1] != e.Phase {
			phases = append(phases, e.Phase)
		}
	}
	assert.Equal(t, jobs.Phases, phases)
	assertMonotonic(t, log.entries)
	last := log.entries[len(log.entries)-1]
	assert.Equal(t, progressEntry{jobs.PhaseFinalization, finalizationCeiling}, last)

	require.Len(t, client.requests, 2)
	assert.True(t, client.requests[0].JSON)
	assert.Contains(t, client.requests[1].Prompt, "exactly 3 modules")
	assert.Contains(t, client.requests[1].Prompt, "exactly 5 multiple-choice questions")
}

func TestPipelineFailures(t *testing.T) {
	wrongCount := sampleOutline(2, 5, "d1")
	unknownDoc := sampleOutline(3, 5, "d9")

	tests := []struct {
		name      string
		responses []func(context.Context, llm.Request) (llm.Response, error)
		failSave  int
		wantKind  jobs.ErrorKind
		wantPhase jobs.Phase
		saved     int
	}{
		{
			name:      "upstream error during analysis",
			responses: []func(context.Context, llm.Request) (llm.Response, error){replyErr(errors.New("502 bad gateway"))},
			wantKind:  jobs.KindUpstream,
			wantPhase: jobs.PhaseContentAnalysis,
		},
		{
			name:      "rate limited during generation",
			responses: []func(context.Context, llm.Request) (llm.Response, error){reply(sampleAnalysis()), replyErr(llm.ErrRateLimited)},
			wantKind:  jobs.KindUpstream,
			wantPhase: jobs.PhaseContentGeneration,
		},
		{
			name:      "analysis is not JSON",
			responses: []func(context.Context, llm.Request) (llm.Response, error){replyText("sorry, I cannot help")},
			wantKind:  jobs.KindInvalidResponse,
			wantPhase: jobs.PhaseContentAnalysis,
		},
		{
			name:      "analysis misses required fields",
			responses: []func(context.Context, llm.Request) (llm.Response, error){reply(Analysis{Summary: "x"})},
			wantKind:  jobs.KindInvalidResponse,
			wantPhase: jobs.PhaseContentAnalysis,
		},
		{
			name:      "wrong module count",
			responses: []func(context.Context, llm.Request) (llm.Response, error){reply(sampleAnalysis()), reply(wrongCount)},
			wantKind:  jobs.KindInvalidResponse,
			wantPhase: jobs.PhaseValidation,
		},
		{
			name:      "citation of unknown document",
			responses: []func(context.Context, llm.Request) (llm.Response, error){reply(sampleAnalysis()), reply(unknownDoc)},
			wantKind:  jobs.KindInvalidResponse,
			wantPhase: jobs.PhaseValidation,
		},
		{
			name:      "storage failure keeps saved modules",
			responses: []func(context.Context, llm.Request) (llm.Response, error){reply(sampleAnalysis()), reply(sampleOutline(3, 5, "d1"))},
			failSave:  2,
			wantKind:  jobs.KindStorage,
			wantPhase: jobs.PhaseFinalization,
			saved:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := newRecordingWriter()
			writer.failSaveAt = tt.failSave
			log := &progressLog{}
			p := newTestPipeline(t, &scriptedLLM{responses: tt.responses}, writer)

			_, err := p.Run(context.Background(), scenarioInput(), log.report)
			require.Error(t, err)

			var genErr *Error
			require.ErrorAs(t, err, &genErr)
			assert.Equal(t, tt.wantKind, genErr.ErrorKind())
			assert.Equal(t, tt.wantPhase, genErr.Phase)
			assert.NotEmpty(t, err.Error())

			assert.Equal(t, courses.StatusFailed, writer.status["c1"])
			assert.Equal(t, err.Error(), writer.lastError)
			assert.Len(t, writer.modules, tt.saved)
			assertMonotonic(t, log.entries)
		})
	}
}

func TestPipelineDocumentErrors(t *testing.T) {
	writer := newRecordingWriter()
	p, err := NewPipeline(PipelineConfig{
		LLM:       &scriptedLLM{},
		Documents: stubSource{"blank": "   "},
		Courses:   writer,
	})
	require.NoError(t, err)

	for _, ids := range [][]string{{"blank"}, {"missing"}, nil} {
		in := scenarioInput()
		in.DocumentIDs = ids
		_, err := p.Run(context.Background(), in, nil)

		var genErr *Error
		require.ErrorAs(t, err, &genErr)
		assert.Equal(t, jobs.KindDocument, genErr.Code)
		assert.Equal(t, jobs.PhaseDocumentAnalysis, genErr.Phase)
	}
}

func TestJobRunnerWithManager(t *testing.T) {
	client := &scriptedLLM{responses: []func(context.Context, llm.Request) (llm.Response, error){
		reply(sampleAnalysis()),
		reply(sampleOutline(3, 5, "d1")),
	}}
	writer := newRecordingWriter()
	store := jobs.NewMemoryStore(time.Hour)
	dispatcher := jobs.NewLocalDispatcher(1, 4, nil)

	manager, err := jobs.NewManager(jobs.ManagerConfig{
		Store:      store,
		Dispatcher: dispatcher,
		Runner:     NewJobRunner(newTestPipeline(t, client, writer)),
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, manager.StartWorkers())
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	ctx := context.Background()
	jobID, err := manager.Start(ctx, jobs.StartRequest{
		CourseID:    "c1",
		DocumentIDs: []string{"d1"},
		Options:     scenarioOptions(),
	})
	require.NoError(t, err)

	var job *jobs.Job
	require.Eventually(t, func() bool {
		job, err = manager.Get(ctx, jobID)
		return err == nil && job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, jobs.PhaseFinalization, job.Phase)
	assert.Equal(t, 100, job.Progress)
	assert.Nil(t, job.Error)
	assert.Len(t, writer.modules, 3)
}

func TestJobRunnerTimeout(t *testing.T) {
	client := &scriptedLLM{responses: []func(context.Context, llm.Request) (llm.Response, error){
		func(ctx context.Context, req llm.Request) (llm.Response, error) {
			<-ctx.Done()
			return llm.Response{}, ctx.Err()
		},
	}}
	writer := newRecordingWriter()
	store := jobs.NewMemoryStore(time.Hour)

	manager, err := jobs.NewManager(jobs.ManagerConfig{
		Store:      store,
		Dispatcher: jobs.NewLocalDispatcher(1, 4, nil),
		Runner:     NewJobRunner(newTestPipeline(t, client, writer)),
		Timeout:    30 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &jobs.Job{
		JobID:       "j-timeout",
		CourseID:    "c1",
		DocumentIDs: []string{"d1"},
		Options:     scenarioOptions(),
		Status:      jobs.StatusPending,
	}))
	require.NoError(t, manager.Process(ctx, "j-timeout"))

	job, err := store.Get(ctx, "j-timeout")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, jobs.KindTimeout, job.Error.Kind)
	assert.Equal(t, courses.StatusFailed, writer.status["c1"])
}
