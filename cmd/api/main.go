// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/korsify/internal/auth"
	"github.com/yourusername/korsify/internal/config"
	"github.com/yourusername/korsify/internal/courses"
	"github.com/yourusername/korsify/internal/database"
	"github.com/yourusername/korsify/internal/documents"
	"github.com/yourusername/korsify/internal/generation"
	"github.com/yourusername/korsify/internal/jobs"
	"github.com/yourusername/korsify/internal/llm"
	"github.com/yourusername/korsify/internal/middleware"
	"github.com/yourusername/korsify/internal/storage"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, closeLog := config.SetupLogger(cfg)
	slog.SetDefault(logger)

	err = run(cfg, logger)
	if err != nil {
		logger.Error("server stopped with error", "error", err)
	}
	_ = closeLog()
	if err != nil {
		os.Exit(1)
	}
}

// app はサーバーが保持する各コンポーネントです。
type app struct {
	auth      *auth.Manager
	courses   *courses.HTTPHandler
	documents *documents.HTTPHandler
	jobs      *jobs.HTTPHandler
	limiter   gin.HandlerFunc
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Exec(ctx, documents.Schema); err != nil {
		return fmt.Errorf("failed to migrate documents: %w", err)
	}

	courseRepo := courses.NewRepository(db.Gorm)
	if err := courseRepo.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate courses: %w", err)
	}

	blobs, err := setupStorage(ctx, cfg)
	if err != nil {
		return err
	}

	tokens, err := llm.NewTokenCounter()
	if err != nil {
		// トークン数は概算で代用できるため起動は続ける
		logger.Warn("tokenizer unavailable; falling back to estimates", "error", err)
	}

	docService, err := documents.NewService(documents.ServiceConfig{
		Repository:        documents.NewPgRepository(db.Pool),
		Storage:           blobs,
		Courses:           courseRepo,
		Tokens:            tokens,
		MaxFileSize:       cfg.MaxFileSize,
		MaxDocumentTokens: cfg.MaxDocumentTokens,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	llmClient, err := llm.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}
	pipeline, err := generation.NewPipeline(generation.PipelineConfig{
		LLM:         llmClient,
		Documents:   docService,
		Courses:     courseRepo,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.QueueRedisURL != "" {
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse QUEUE_REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	jobsRT, err := setupJobs(cfg, jobsDeps{
		Redis:     rdb,
		Runner:    generation.NewJobRunner(pipeline),
		Courses:   courseRepo,
		Documents: docService,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	a := &app{
		auth:      auth.NewManager(cfg),
		courses:   courses.NewHTTPHandler(courseRepo, auth.CurrentUser, logger),
		documents: documents.NewHTTPHandler(docService, auth.CurrentUser, logger),
		jobs:      jobs.NewHTTPHandler(jobsRT.Manager, auth.CurrentUser, logger),
		limiter: middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RedisClient: rdb,
			Limit:       cfg.GenerateRateLimit,
			Window:      time.Minute,
			KeyPrefix:   "korsify:rl:generate:",
			Extractor:   auth.CurrentUser,
			Logger:      logger,
		}),
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	router := newRouter(cfg, a)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting API server", "addr", srv.Addr, "mode", cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = jobsRT.Close(context.Background())
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(srv.Shutdown(shutdownCtx), jobsRT.Close(shutdownCtx))
}

func setupStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageBackend {
	case "s3":
		s, err := storage.NewS3(ctx, storage.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to object storage: %w", err)
		}
		return s, nil
	default:
		s, err := storage.NewLocal(cfg.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare storage dir: %w", err)
		}
		return s, nil
	}
}

func newRouter(cfg *config.Config, a *app) *gin.Engine {
	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins()
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		auth.CSRFHeader,
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンと Location を読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader, "Location", "Retry-After"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, a)
	return router
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "korsify-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, a *app) {
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", a.auth.Login)
			authRoutes.POST("/logout",
				a.auth.RequireLogin(),
				a.auth.VerifyCSRF(),
				a.auth.Logout,
			)
			authRoutes.GET("/me", a.auth.RequireLogin(), a.auth.Me)
		}

		protected := api.Group("")
		protected.Use(a.auth.RequireLogin(), a.auth.VerifyCSRF())
		{
			protected.GET("/courses", a.courses.List)
			protected.GET("/courses/:id", a.courses.Get)
			protected.GET("/courses/:id/documents", a.documents.List)
			protected.GET("/documents/:id", a.documents.Get)
			protected.GET("/jobs/:id", a.jobs.Status)

			// 作成者のみ
			creator := protected.Group("")
			creator.Use(a.auth.RequireRole(config.RoleCreator))
			{
				creator.POST("/courses", a.courses.Create)
				creator.POST("/courses/:id/documents", a.documents.Upload)
				creator.POST("/courses/:id/generate", a.limiter, a.jobs.StartForCourse)
				creator.POST("/generation", a.limiter, a.jobs.Start)
			}
		}
	}
}
