package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema は documents テーブルの定義です。
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
	id            TEXT PRIMARY KEY,
	course_id     TEXT NOT NULL,
	filename      TEXT NOT NULL,
	content_type  TEXT NOT NULL,
	format        TEXT NOT NULL,
	size_bytes    BIGINT NOT NULL,
	storage_key   TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	page_count    INTEGER NOT NULL DEFAULT 0,
	token_count   INTEGER NOT NULL DEFAULT 0,
	text          TEXT NOT NULL DEFAULT '',
	uploaded_by   TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS documents_course_id_idx ON documents (course_id, created_at);
`

// Ref はジョブ受付時の検証に使う軽量な情報です。
type Ref struct {
	ID       string
	CourseID string
	HasText  bool
}

// Repository はドキュメントの永続化を担います。
type Repository interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	ListByCourse(ctx context.Context, courseID string) ([]Document, error)
	GetMany(ctx context.Context, ids []string) ([]Document, error)
	Lookup(ctx context.Context, ids []string) ([]Ref, error)
}

// PgRepository は PostgreSQL (pgx) による Repository 実装です。
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository は PgRepository を作成します。
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const documentColumns = `id, course_id, filename, content_type, format, size_bytes, storage_key, title, page_count, token_count, uploaded_by, created_at`

func (r *PgRepository) Create(ctx context.Context, doc *Document) error {
	query := `
		INSERT INTO documents (id, course_id, filename, content_type, format, size_bytes, storage_key, title, page_count, token_count, text, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`
	err := r.pool.QueryRow(ctx, query,
		doc.ID,
		doc.CourseID,
		doc.Filename,
		doc.ContentType,
		string(doc.Format),
		doc.SizeBytes,
		doc.StorageKey,
		doc.Title,
		doc.PageCount,
		doc.TokenCount,
		doc.Text,
		doc.UploadedBy,
	).Scan(&doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func (r *PgRepository) Get(ctx context.Context, id string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	doc, err := scanDocument(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (r *PgRepository) ListByCourse(ctx context.Context, courseID string) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE course_id = $1 ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// GetMany は本文を含めてドキュメントを取得します。存在しない ID は結果に含みません。
func (r *PgRepository) GetMany(ctx context.Context, ids []string) ([]Document, error) {
	query := `SELECT ` + documentColumns + `, text FROM documents WHERE id = ANY($1)`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var format string
		if err := rows.Scan(
			&doc.ID, &doc.CourseID, &doc.Filename, &doc.ContentType, &format, &doc.SizeBytes,
			&doc.StorageKey, &doc.Title, &doc.PageCount, &doc.TokenCount, &doc.UploadedBy, &doc.CreatedAt,
			&doc.Text,
		); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Format = Format(format)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (r *PgRepository) Lookup(ctx context.Context, ids []string) ([]Ref, error) {
	query := `SELECT id, course_id, length(text) > 0 FROM documents WHERE id = ANY($1)`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup documents: %w", err)
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var ref Ref
		if err := rows.Scan(&ref.ID, &ref.CourseID, &ref.HasText); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func scanDocument(row pgx.Row) (*Document, error) {
	var doc Document
	var format string
	err := row.Scan(
		&doc.ID, &doc.CourseID, &doc.Filename, &doc.ContentType, &format, &doc.SizeBytes,
		&doc.StorageKey, &doc.Title, &doc.PageCount, &doc.TokenCount, &doc.UploadedBy, &doc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Format = Format(format)
	return &doc, nil
}

var _ Repository = (*PgRepository)(nil)
