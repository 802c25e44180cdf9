package documents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/korsify/internal/storage"
)

type memoryRepo struct {
	mu        sync.Mutex
	docs      map[string]Document
	createErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{docs: map[string]Document{}}
}

func (r *memoryRepo) Create(ctx context.Context, doc *Document) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	doc.CreatedAt = time.Now()
	r.docs[doc.ID] = *doc
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, id string) (*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	d.Text = ""
	return &d, nil
}

func (r *memoryRepo) ListByCourse(ctx context.Context, courseID string) ([]Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Document{}
	for _, d := range r.docs {
		if d.CourseID == courseID {
			d.Text = ""
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memoryRepo) GetMany(ctx context.Context, ids []string) ([]Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Document
	for _, id := range ids {
		if d, ok := r.docs[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memoryRepo) Lookup(ctx context.Context, ids []string) ([]Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Ref
	for _, id := range ids {
		if d, ok := r.docs[id]; ok {
			out = append(out, Ref{ID: d.ID, CourseID: d.CourseID, HasText: d.Text != ""})
		}
	}
	return out, nil
}

type courseSet map[string]bool

func (s courseSet) CourseExists(ctx context.Context, courseID string) (bool, error) {
	return s[courseID], nil
}

type serviceFixture struct {
	svc   *Service
	repo  *memoryRepo
	store *storage.Local
}

func newServiceFixture(t *testing.T, maxSize int64, maxTokens int) *serviceFixture {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	repo := newMemoryRepo()

	svc, err := NewService(ServiceConfig{
		Repository:        repo,
		Storage:           store,
		Courses:           courseSet{"c1": true},
		MaxFileSize:       maxSize,
		MaxDocumentTokens: maxTokens,
	})
	require.NoError(t, err)

	ids := []string{"d1", "d2", "d3"}
	svc.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	return &serviceFixture{svc: svc, repo: repo, store: store}
}

func TestServiceUploadMarkdown(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t, 1024, 0)

	body := "---\ntitle: 入門\n---\nGo は静的型付け言語です。\n"
	doc, err := fx.svc.Upload(ctx, UploadInput{
		CourseID:   "c1",
		Filename:   "../intro.md",
		Size:       int64(len(body)),
		Body:       strings.NewReader(body),
		UploadedBy: "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, "d1", doc.ID)
	assert.Equal(t, "intro.md", doc.Filename)
	assert.Equal(t, FormatMarkdown, doc.Format)
	assert.Equal(t, "入門", doc.Title)
	assert.Equal(t, "documents/d1/intro.md", doc.StorageKey)
	assert.Greater(t, doc.TokenCount, 0)

	rc, err := fx.store.Open(ctx, doc.StorageKey)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	refs, err := fx.svc.Lookup(ctx, []string{"d1", "missing"})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, Ref{ID: "d1", CourseID: "c1", HasText: true}, refs[0])
}

func TestServiceUploadRejects(t *testing.T) {
	tests := []struct {
		name     string
		in       UploadInput
		wantCode string
	}{
		{"missing course id", UploadInput{CourseID: " ", Filename: "a.txt", Size: 1, Body: strings.NewReader("a")}, "INVALID_INPUT"},
		{"unknown course", UploadInput{CourseID: "nope", Filename: "a.txt", Size: 1, Body: strings.NewReader("a")}, "COURSE_NOT_FOUND"},
		{"declared size too large", UploadInput{CourseID: "c1", Filename: "a.txt", Size: 100, Body: strings.NewReader("a")}, "LIMIT_EXCEEDED"},
		{"actual size too large", UploadInput{CourseID: "c1", Filename: "a.txt", Size: -1, Body: strings.NewReader(strings.Repeat("a", 33))}, "LIMIT_EXCEEDED"},
		{"empty file", UploadInput{CourseID: "c1", Filename: "a.txt", Size: 0, Body: strings.NewReader("")}, "INVALID_FILE"},
		{"legacy doc", UploadInput{CourseID: "c1", Filename: "a.doc", Size: 4, Body: strings.NewReader("abcd")}, "UNSUPPORTED_TYPE"},
		{"whitespace only", UploadInput{CourseID: "c1", Filename: "a.txt", Size: 3, Body: strings.NewReader(" \n ")}, "EMPTY_DOCUMENT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newServiceFixture(t, 32, 0)
			_, err := fx.svc.Upload(context.Background(), tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, codeOf(err))
			assert.Empty(t, fx.repo.docs)
		})
	}
}

func TestServiceUploadRemovesBlobWhenRepositoryFails(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t, 1024, 0)
	fx.repo.createErr = errors.New("db down")

	_, err := fx.svc.Upload(ctx, UploadInput{
		CourseID: "c1",
		Filename: "a.txt",
		Size:     5,
		Body:     strings.NewReader("hello"),
	})
	require.Error(t, err)

	_, err = fx.store.Open(ctx, storage.DocumentKey("d1", "a.txt"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestServiceLoadTextsKeepsOrderAndTruncates(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t, 4096, 2)

	for _, body := range []string{"first document body text", "second"} {
		_, err := fx.svc.Upload(ctx, UploadInput{
			CourseID: "c1",
			Filename: "n.txt",
			Size:     int64(len(body)),
			Body:     strings.NewReader(body),
		})
		require.NoError(t, err)
	}

	texts, err := fx.svc.LoadTexts(ctx, []string{"d2", "d1"})
	require.NoError(t, err)
	require.Len(t, texts, 2)
	assert.Equal(t, "d2", texts[0].DocumentID)
	assert.Equal(t, "second", texts[0].Content)
	assert.Equal(t, "d1", texts[1].DocumentID)
	// トークン数の概算 (3文字で1トークン) により 6 文字に切り詰められる
	assert.Equal(t, "first ", texts[1].Content)

	_, err = fx.svc.LoadTexts(ctx, []string{"d1", "missing"})
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}
