package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

const (
	taskTypeGenerate = "course:generate"
	generationQueue  = "generation"
	// asynq 側のタイムアウトはジョブ期限より少し長くし、期限切れの記録をワーカーに任せる。
	taskTimeoutGrace = 30 * time.Second
)

// Handler はディスパッチされたジョブを処理します。
type Handler func(ctx context.Context, jobID string) error

// Dispatcher は有界なワーカープールへのジョブ投入を担います。
type Dispatcher interface {
	// Admit は新しいジョブを受け付けられるかを確認し、満杯なら ErrQueueFull を返します。
	Admit(ctx context.Context) error
	Dispatch(ctx context.Context, jobID string) error
	Start(handler Handler) error
	Shutdown(ctx context.Context) error
}

// TaskPayload はコース生成タスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// AsynqDispatcher は Asynq（Redis）を使ったディスパッチャーです。
type AsynqDispatcher struct {
	client      *asynq.Client
	server      *asynq.Server
	inspector   *asynq.Inspector
	maxQueued   int
	taskTimeout time.Duration
	logger      *slog.Logger
}

// AsynqOptions は AsynqDispatcher の設定です。
type AsynqOptions struct {
	RedisURL    string
	Concurrency int
	MaxQueued   int
	JobTimeout  time.Duration
	Logger      *slog.Logger
}

// NewAsynqDispatcher は AsynqDispatcher を初期化します。
func NewAsynqDispatcher(opts AsynqOptions) (*AsynqDispatcher, error) {
	redisOpt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if opts.Concurrency <= 0 {
		return nil, errors.New("concurrency must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: opts.Concurrency,
		Queues: map[string]int{
			generationQueue: 1,
		},
		ShutdownTimeout: 30 * time.Second,
	})

	return &AsynqDispatcher{
		client:      asynq.NewClient(redisOpt),
		server:      server,
		inspector:   asynq.NewInspector(redisOpt),
		maxQueued:   opts.MaxQueued,
		taskTimeout: opts.JobTimeout + taskTimeoutGrace,
		logger:      logger.With("component", "asynq"),
	}, nil
}

// Admit は待機中と実行中のタスク数から受付可否を判定します。
func (d *AsynqDispatcher) Admit(ctx context.Context) error {
	if d.maxQueued <= 0 {
		return nil
	}
	info, err := d.inspector.GetQueueInfo(generationQueue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		return fmt.Errorf("inspect queue: %w", err)
	}
	if info.Pending+info.Active+info.Scheduled >= d.maxQueued {
		return ErrQueueFull
	}
	return nil
}

// Dispatch はタスクをキューに投入します。自動リトライは行いません。
func (d *AsynqDispatcher) Dispatch(ctx context.Context, jobID string) error {
	body, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeGenerate, body)
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(generationQueue),
		asynq.MaxRetry(0),
		asynq.Timeout(d.taskTimeout),
		asynq.TaskID(jobID),
	)
	return err
}

// Start は Asynq サーバーをバックグラウンドで起動します。
func (d *AsynqDispatcher) Start(handler Handler) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(taskTypeGenerate, func(ctx context.Context, task *asynq.Task) error {
		var payload TaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if payload.JobID == "" {
			return errors.New("missing jobId in payload")
		}
		return handler(ctx, payload.JobID)
	})
	if err := d.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	d.logger.Info("asynq workers started", "queue", generationQueue)
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (d *AsynqDispatcher) Shutdown(ctx context.Context) error {
	d.server.Shutdown()
	return errors.Join(d.client.Close(), d.inspector.Close())
}

// LocalDispatcher はプロセス内の固定数ゴルーチンでジョブを処理します。
type LocalDispatcher struct {
	queue       chan string
	concurrency int
	logger      *slog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewLocalDispatcher は容量 maxQueued のキューと concurrency 個のワーカーを持つディスパッチャーを作成します。
func NewLocalDispatcher(concurrency, maxQueued int, logger *slog.Logger) *LocalDispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if maxQueued <= 0 {
		maxQueued = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		queue:       make(chan string, maxQueued),
		concurrency: concurrency,
		logger:      logger.With("component", "local-dispatcher"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (d *LocalDispatcher) Admit(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.New("dispatcher is shut down")
	}
	if len(d.queue) >= cap(d.queue) {
		return ErrQueueFull
	}
	return nil
}

// Dispatch はキューが満杯ならブロックせずに ErrQueueFull を返します。
func (d *LocalDispatcher) Dispatch(ctx context.Context, jobID string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.New("dispatcher is shut down")
	}
	select {
	case d.queue <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *LocalDispatcher) Start(handler Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("dispatcher already started")
	}
	d.started = true
	for i := 0; i < d.concurrency; i++ {
		d.wg.Add(1)
		go d.work(handler)
	}
	d.logger.Info("local workers started", "concurrency", d.concurrency, "capacity", cap(d.queue))
	return nil
}

func (d *LocalDispatcher) work(handler Handler) {
	defer d.wg.Done()
	for jobID := range d.queue {
		if err := handler(d.ctx, jobID); err != nil {
			d.logger.Error("job handler returned error", "job_id", jobID, "error", err)
		}
	}
}

// Shutdown は受付を止め、キューに残ったジョブを処理し終えるまで待ちます。
// ctx が先に終了した場合は実行中のジョブをキャンセルします。
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
