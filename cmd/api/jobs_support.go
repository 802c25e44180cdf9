package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/korsify/internal/config"
	"github.com/yourusername/korsify/internal/documents"
	"github.com/yourusername/korsify/internal/jobs"
)

// documentLookup は documents.Service をジョブ受付時の検証に合わせて変換します。
type documentLookup struct {
	service *documents.Service
}

func (l documentLookup) LookupDocuments(ctx context.Context, ids []string) ([]jobs.DocumentRef, error) {
	refs, err := l.service.Lookup(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]jobs.DocumentRef, 0, len(refs))
	for _, ref := range refs {
		out = append(out, jobs.DocumentRef{ID: ref.ID, CourseID: ref.CourseID, HasText: ref.HasText})
	}
	return out, nil
}

// jobsDeps は setupJobs が必要とする他コンポーネントです。
type jobsDeps struct {
	Redis     *redis.Client
	Runner    jobs.Runner
	Courses   jobs.CourseChecker
	Documents *documents.Service
	Logger    *slog.Logger
}

// jobsRuntime は起動したジョブ基盤と、終了時に閉じるリソースです。
type jobsRuntime struct {
	Manager *jobs.Manager
	closers []func() error
}

func (r *jobsRuntime) Close(ctx context.Context) error {
	err := r.Manager.Shutdown(ctx)
	for _, closeFn := range r.closers {
		err = errors.Join(err, closeFn())
	}
	return err
}

// setupJobs は設定に応じてストア、ディスパッチャー、イベント送信先を選び Manager を起動します。
func setupJobs(cfg *config.Config, deps jobsDeps) (*jobsRuntime, error) {
	logger := deps.Logger
	rt := &jobsRuntime{}

	var store jobs.Store
	if deps.Redis != nil {
		store = jobs.NewRedisStore(deps.Redis, cfg.JobTTL())
	} else {
		logger.Warn("QUEUE_REDIS_URL is empty; job state is kept in memory")
		store = jobs.NewMemoryStore(cfg.JobTTL())
	}

	var dispatcher jobs.Dispatcher
	switch cfg.QueueBackend {
	case "local":
		dispatcher = jobs.NewLocalDispatcher(cfg.WorkerConcurrency, cfg.MaxQueuedJobs, logger)
	default:
		d, err := jobs.NewAsynqDispatcher(jobs.AsynqOptions{
			RedisURL:    cfg.QueueRedisURL,
			Concurrency: cfg.WorkerConcurrency,
			MaxQueued:   cfg.MaxQueuedJobs,
			JobTimeout:  cfg.JobTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create asynq dispatcher: %w", err)
		}
		dispatcher = d
	}

	var events jobs.EventPublisher = jobs.NopPublisher{}
	if cfg.RabbitMQURL != "" {
		publisher, err := jobs.NewAMQPPublisher(cfg.RabbitMQURL, cfg.EventsExchange)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		events = publisher
		rt.closers = append(rt.closers, publisher.Close)
	}

	manager, err := jobs.NewManager(jobs.ManagerConfig{
		Store:      store,
		Dispatcher: dispatcher,
		Runner:     deps.Runner,
		Courses:    deps.Courses,
		Documents:  documentLookup{service: deps.Documents},
		Events:     events,
		Timeout:    cfg.JobTimeout,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if err := manager.StartWorkers(); err != nil {
		return nil, fmt.Errorf("failed to start workers: %w", err)
	}
	rt.Manager = manager
	return rt, nil
}
