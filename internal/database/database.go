// Package database は PostgreSQL への接続プールと gorm の初期化を提供します。
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB は pgx の接続プールと、同じプール上に構築した gorm を保持します
type DB struct {
	Pool *pgxpool.Pool
	Gorm *gorm.DB
}

// New は新しいデータベース接続を作成します
func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// 接続テスト
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gdb, err := OpenGorm(pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{Pool: pool, Gorm: gdb}, nil
}

// OpenGorm は pgx プールを database/sql 経由で gorm に渡します
func OpenGorm(pool *pgxpool.Pool, logger *slog.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: NewGormLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}
	return gdb, nil
}

// NewGormLogger は gorm のログを slog に流します。警告以上とスロークエリのみ出力します
func NewGormLogger(logger *slog.Logger) gormlogger.Interface {
	return gormlogger.New(
		slog.NewLogLogger(logger.With("component", "gorm").Handler(), slog.LevelWarn),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// Exec は DDL などの SQL を順に実行します
func (db *DB) Exec(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	return nil
}

// Close はデータベース接続を閉じます
func (db *DB) Close() {
	if sqlDB, err := db.Gorm.DB(); err == nil {
		_ = sqlDB.Close()
	}
	db.Pool.Close()
}
