package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProgressFunc は段階と進捗率を受け取るコールバックです。
type ProgressFunc func(phase Phase, percent int)

// Runner はジョブ本体（コース生成パイプライン）を実行します。
type Runner interface {
	Run(ctx context.Context, job *Job, report ProgressFunc) error
}

// CourseChecker はコースの存在確認を行います。
type CourseChecker interface {
	CourseExists(ctx context.Context, courseID string) (bool, error)
}

// DocumentRef はジョブ受付時の検証に必要なドキュメント情報です。
type DocumentRef struct {
	ID       string
	CourseID string
	HasText  bool
}

// DocumentLookup はドキュメントIDからメタ情報を引きます。存在しないIDは結果に含めません。
type DocumentLookup interface {
	LookupDocuments(ctx context.Context, ids []string) ([]DocumentRef, error)
}

// KindedError はジョブ失敗の分類を自身で持つエラーです。
type KindedError interface {
	error
	ErrorKind() ErrorKind
}

// StartRequest はコース生成の開始要求です。
type StartRequest struct {
	CourseID    string
	DocumentIDs []string
	Options     Options
	RequestedBy string
}

// ManagerConfig は Manager の依存関係です。
type ManagerConfig struct {
	Store      Store
	Dispatcher Dispatcher
	Runner     Runner
	Courses    CourseChecker
	Documents  DocumentLookup
	Events     EventPublisher
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Manager はジョブの受付、状態参照、ワーカー側の実行を担います。
type Manager struct {
	store      Store
	dispatcher Dispatcher
	runner     Runner
	courses    CourseChecker
	documents  DocumentLookup
	events     EventPublisher
	timeout    time.Duration
	logger     *slog.Logger
	newID      func() string
}

// NewManager は Manager を初期化します。
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is nil")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if cfg.Runner == nil {
		return nil, errors.New("runner is nil")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("timeout must be positive")
	}
	events := cfg.Events
	if events == nil {
		events = NopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		runner:     cfg.Runner,
		courses:    cfg.Courses,
		documents:  cfg.Documents,
		events:     events,
		timeout:    cfg.Timeout,
		logger:     logger.With("component", "jobs"),
		newID:      func() string { return uuid.NewString() },
	}, nil
}

// StartWorkers はディスパッチャーのワーカーを起動します。
func (m *Manager) StartWorkers() error {
	return m.dispatcher.Start(m.Process)
}

// Shutdown はワーカーを停止します。
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.dispatcher.Shutdown(ctx)
}

// Start は入力を検証し、pending 状態のジョブを作成してキューに投入します。
// 検証エラーや受付上限の場合、ジョブは作成されません。
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	req.CourseID = strings.TrimSpace(req.CourseID)
	req.DocumentIDs = uniqueIDs(req.DocumentIDs)
	req.Options = req.Options.Normalize()

	if err := m.validate(ctx, req); err != nil {
		return "", err
	}
	if err := m.dispatcher.Admit(ctx); err != nil {
		return "", err
	}

	job := &Job{
		JobID:       m.newID(),
		CourseID:    req.CourseID,
		DocumentIDs: req.DocumentIDs,
		Options:     req.Options,
		RequestedBy: req.RequestedBy,
		Status:      StatusPending,
	}
	if err := m.store.Create(ctx, job); err != nil {
		if errors.Is(err, ErrCourseBusy) {
			return "", newInputError("COURSE_BUSY", "このコースでは生成ジョブが実行中です。完了してから再度お試しください。")
		}
		return "", fmt.Errorf("create job: %w", err)
	}

	if err := m.dispatcher.Dispatch(ctx, job.JobID); err != nil {
		if delErr := m.store.Delete(context.WithoutCancel(ctx), job.JobID); delErr != nil {
			m.logger.Warn("failed to remove undispatched job", "job_id", job.JobID, "error", delErr)
		}
		if errors.Is(err, ErrQueueFull) {
			return "", err
		}
		return "", fmt.Errorf("dispatch job: %w", err)
	}

	m.logger.Info("generation job accepted",
		"job_id", job.JobID,
		"course_id", job.CourseID,
		"documents", len(job.DocumentIDs),
		"requested_by", job.RequestedBy,
	)
	return job.JobID, nil
}

// Get はステータス取得用にジョブのスナップショットを返します。
func (m *Manager) Get(ctx context.Context, jobID string) (*Job, error) {
	return m.store.Get(ctx, jobID)
}

// Process はワーカーから呼ばれ、ジョブを最後まで実行します。
// 失敗はジョブに記録し、呼び出し元へは伝播させません。
func (m *Manager) Process(ctx context.Context, jobID string) (err error) {
	logger := m.logger.With("job_id", jobID)

	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			logger.Warn("job disappeared before processing")
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		logger.Info("job already finished, skipping", "status", job.Status)
		return nil
	}
	if err := m.store.MarkProcessing(ctx, jobID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	logger.Info("generation job started", "course_id", job.CourseID)

	jobCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("generation job panicked", "panic", r)
			m.fail(context.WithoutCancel(ctx), job, ErrorInfo{
				Kind:    KindInternal,
				Message: fmt.Sprintf("内部エラーが発生しました: %v", r),
			})
			err = nil
		}
	}()

	report := func(phase Phase, percent int) {
		if err := m.store.UpdateProgress(jobCtx, jobID, phase, percent); err != nil {
			logger.Warn("failed to update progress", "phase", phase, "progress", percent, "error", err)
		}
	}

	runErr := m.runner.Run(jobCtx, job.Clone(), report)
	if runErr == nil && jobCtx.Err() == nil {
		if err := m.complete(context.WithoutCancel(ctx), jobID); err != nil {
			logger.Error("failed to mark job completed", "error", err)
			m.fail(context.WithoutCancel(ctx), job, ErrorInfo{
				Kind:    KindStorage,
				Message: "生成結果の状態を保存できませんでした。",
			})
			return nil
		}
		logger.Info("generation job completed")
		m.publish(ctx, job, StatusCompleted, nil)
		return nil
	}

	m.fail(context.WithoutCancel(ctx), job, m.classify(jobCtx, runErr))
	return nil
}

// complete は完了の記録を 1 度だけ再試行します。
func (m *Manager) complete(ctx context.Context, jobID string) error {
	err := m.store.MarkCompleted(ctx, jobID)
	if err == nil || errors.Is(err, ErrJobTerminal) || errors.Is(err, ErrJobNotFound) {
		return err
	}
	m.logger.Warn("retrying job completion", "job_id", jobID, "error", err)
	return m.store.MarkCompleted(ctx, jobID)
}

func (m *Manager) fail(ctx context.Context, job *Job, info ErrorInfo) {
	logger := m.logger.With("job_id", job.JobID)
	if err := m.store.MarkFailed(ctx, job.JobID, info); err != nil {
		logger.Error("failed to mark job failed", "error", err)
		return
	}
	logger.Warn("generation job failed", "kind", info.Kind, "message", info.Message)
	m.publish(ctx, job, StatusFailed, &info)
}

// classify はエラーをジョブ失敗の分類に変換します。
// ジョブの期限切れは上流エラーより優先して TIMEOUT とします。
func (m *Manager) classify(jobCtx context.Context, err error) ErrorInfo {
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return ErrorInfo{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("コース生成が制限時間（%s）内に完了しませんでした。", m.timeout),
		}
	}
	if err == nil {
		err = jobCtx.Err()
	}
	if err == nil {
		return ErrorInfo{Kind: KindInternal, Message: "unknown error"}
	}
	var kinded KindedError
	if errors.As(err, &kinded) {
		return ErrorInfo{Kind: kinded.ErrorKind(), Message: err.Error()}
	}
	return ErrorInfo{Kind: KindInternal, Message: err.Error()}
}

func (m *Manager) publish(ctx context.Context, job *Job, status Status, info *ErrorInfo) {
	event := Event{
		Type:       "job." + string(status),
		JobID:      job.JobID,
		CourseID:   job.CourseID,
		Status:     status,
		OccurredAt: time.Now().UTC(),
	}
	if info != nil {
		event.ErrorKind = info.Kind
		event.Message = info.Message
	}
	if err := m.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		m.logger.Warn("failed to publish job event", "job_id", job.JobID, "type", event.Type, "error", err)
	}
}

func (m *Manager) validate(ctx context.Context, req StartRequest) error {
	if req.CourseID == "" {
		return newInputError("INVALID_INPUT", "courseId を指定してください。")
	}
	if len(req.DocumentIDs) == 0 {
		return newInputError("NO_DOCUMENTS", "documentIds に1件以上のドキュメントを指定してください。")
	}
	if err := req.Options.Validate(); err != nil {
		return err
	}

	if m.courses != nil {
		ok, err := m.courses.CourseExists(ctx, req.CourseID)
		if err != nil {
			return fmt.Errorf("check course: %w", err)
		}
		if !ok {
			return newInputError("COURSE_NOT_FOUND", "指定されたコースは存在しません。")
		}
	}

	if m.documents == nil {
		return nil
	}
	refs, err := m.documents.LookupDocuments(ctx, req.DocumentIDs)
	if err != nil {
		return fmt.Errorf("lookup documents: %w", err)
	}
	found := make(map[string]DocumentRef, len(refs))
	for _, ref := range refs {
		found[ref.ID] = ref
	}
	for _, id := range req.DocumentIDs {
		ref, ok := found[id]
		if !ok {
			return newInputError("DOCUMENT_NOT_FOUND", fmt.Sprintf("ドキュメント %s は存在しません。", id))
		}
		if ref.CourseID != req.CourseID {
			return newInputError("DOCUMENT_MISMATCH", fmt.Sprintf("ドキュメント %s は指定されたコースに属していません。", id))
		}
		if !ref.HasText {
			return newInputError("DOCUMENT_EMPTY", fmt.Sprintf("ドキュメント %s から本文を抽出できていません。", id))
		}
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
