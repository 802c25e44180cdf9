package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/yourusername/korsify/internal/llm"
	"github.com/yourusername/korsify/internal/storage"
)

// CourseChecker はアップロード先コースの存在確認を行います。
type CourseChecker interface {
	CourseExists(ctx context.Context, courseID string) (bool, error)
}

// ServiceConfig は Service の依存関係です。
type ServiceConfig struct {
	Repository        Repository
	Storage           storage.Storage
	Courses           CourseChecker
	Tokens            *llm.TokenCounter
	MaxFileSize       int64
	MaxDocumentTokens int
	Logger            *slog.Logger
}

// Service はドキュメントのアップロードと本文の受け渡しを担います。
type Service struct {
	repo      Repository
	storage   storage.Storage
	courses   CourseChecker
	tokens    *llm.TokenCounter
	maxSize   int64
	maxTokens int
	logger    *slog.Logger
	newID     func() string
}

// NewService は Service を初期化します。
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is nil")
	}
	if cfg.Storage == nil {
		return nil, errors.New("storage is nil")
	}
	if cfg.MaxFileSize <= 0 {
		return nil, errors.New("max file size must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      cfg.Repository,
		storage:   cfg.Storage,
		courses:   cfg.Courses,
		tokens:    cfg.Tokens,
		maxSize:   cfg.MaxFileSize,
		maxTokens: cfg.MaxDocumentTokens,
		logger:    logger.With("component", "documents"),
		newID:     func() string { return uuid.NewString() },
	}, nil
}

// UploadInput はアップロードされたファイルです。Size が不明な場合は -1 を指定します。
type UploadInput struct {
	CourseID   string
	Filename   string
	Size       int64
	Body       io.Reader
	UploadedBy string
}

// Upload はファイルを検証して本文を抽出し、原本とメタデータを保存します。
func (s *Service) Upload(ctx context.Context, in UploadInput) (*Document, error) {
	courseID := strings.TrimSpace(in.CourseID)
	if courseID == "" {
		return nil, newError("INVALID_INPUT", "コースIDを指定してください。", nil)
	}
	if s.courses != nil {
		ok, err := s.courses.CourseExists(ctx, courseID)
		if err != nil {
			return nil, fmt.Errorf("check course: %w", err)
		}
		if !ok {
			return nil, newError("COURSE_NOT_FOUND", "指定されたコースが見つかりません。", nil)
		}
	}
	if in.Size > s.maxSize {
		return nil, s.limitError()
	}

	data, err := io.ReadAll(io.LimitReader(in.Body, s.maxSize+1))
	if err != nil {
		return nil, newError("INVALID_FILE", "ファイルの読み込みに失敗しました。", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, s.limitError()
	}
	if len(data) == 0 {
		return nil, newError("INVALID_FILE", "空のファイルはアップロードできません。", nil)
	}

	filename := storage.SanitizeFilename(in.Filename)
	format, contentType, err := DetectFormat(filename, data)
	if err != nil {
		return nil, err
	}
	extracted, err := Extract(format, data)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		ID:          s.newID(),
		CourseID:    courseID,
		Filename:    filename,
		ContentType: contentType,
		Format:      format,
		SizeBytes:   int64(len(data)),
		Title:       extracted.Title,
		PageCount:   extracted.PageCount,
		TokenCount:  s.tokens.Count(extracted.Text),
		Text:        extracted.Text,
		UploadedBy:  in.UploadedBy,
	}
	doc.StorageKey = storage.DocumentKey(doc.ID, filename)

	if err := s.storage.Save(ctx, doc.StorageKey, bytes.NewReader(data), doc.SizeBytes, contentType); err != nil {
		return nil, fmt.Errorf("save document blob: %w", err)
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		if delErr := s.storage.Delete(context.WithoutCancel(ctx), doc.StorageKey); delErr != nil {
			s.logger.Warn("failed to remove orphan blob", "key", doc.StorageKey, "error", delErr)
		}
		return nil, err
	}

	s.logger.Info("document uploaded",
		"documentId", doc.ID,
		"courseId", doc.CourseID,
		"format", doc.Format,
		"sizeBytes", doc.SizeBytes,
		"tokens", doc.TokenCount,
	)
	return doc, nil
}

func (s *Service) limitError() *Error {
	return newError("LIMIT_EXCEEDED",
		fmt.Sprintf("ファイルサイズの上限（%dMB）を超えています。", s.maxSize/(1024*1024)), nil)
}

// Get はドキュメントのメタデータを返します。
func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	return s.repo.Get(ctx, id)
}

// List はコースに属するドキュメントを返します。
func (s *Service) List(ctx context.Context, courseID string) ([]Document, error) {
	return s.repo.ListByCourse(ctx, courseID)
}

// Lookup はジョブ受付時の検証用にドキュメント情報を返します。
func (s *Service) Lookup(ctx context.Context, ids []string) ([]Ref, error) {
	return s.repo.Lookup(ctx, ids)
}

// LoadTexts は指定順に本文を返します。本文はドキュメントごとのトークン上限で切り詰めます。
func (s *Service) LoadTexts(ctx context.Context, ids []string) ([]Text, error) {
	docs, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	texts := make([]Text, 0, len(ids))
	for _, id := range ids {
		d, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
		}
		content, truncated := s.tokens.Truncate(d.Text, s.maxTokens)
		if truncated {
			s.logger.Info("document text truncated", "documentId", id, "limit", s.maxTokens)
		}
		texts = append(texts, Text{
			DocumentID: d.ID,
			Title:      d.Title,
			Filename:   d.Filename,
			Content:    content,
		})
	}
	return texts, nil
}
