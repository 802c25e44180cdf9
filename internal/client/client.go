// Package client は Korsify API の HTTP クライアントと、生成ジョブのポーリングを提供します。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/korsify/internal/courses"
	"github.com/yourusername/korsify/internal/documents"
	"github.com/yourusername/korsify/internal/jobs"
)

const (
	defaultBaseURL = "http://localhost:8080"
	csrfHeader     = "X-CSRF-Token"
)

// ErrJobNotFound はサーバーがジョブを知らない場合に返されます。
var ErrJobNotFound = errors.New("job not found")

// APIError はサーバーが返したエラーレスポンスです。
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server error: %d", e.StatusCode)
	}
	return fmt.Sprintf("server error: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client は Korsify API のクライアントです。ログインで得たセッションクッキーと CSRF トークンを保持します。
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu   sync.Mutex
	csrf string
}

// Option は Client の設定を変更します。
type Option func(*Client)

// WithTimeout はリクエストごとのタイムアウトを設定します。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient は内部で使う http.Client を差し替えます。Jar が未設定ならクッキージャーを付けます。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc.Jar == nil {
			hc.Jar = c.httpClient.Jar
		}
		c.httpClient = hc
	}
}

// New はクライアントを作成します。baseURL が空の場合は localhost:8080 を使います。
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Jar: jar, Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// User はログイン中のユーザーです。
type User struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Login はセッションを開始し、以降の変更系リクエストに CSRF トークンを付けます。
func (c *Client) Login(ctx context.Context, username, password string) (*User, error) {
	var user User
	resp, err := c.doJSON(ctx, http.MethodPost, "/api/auth/login",
		map[string]string{"username": username, "password": password}, http.StatusOK, &user)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.csrf = resp.Header.Get(csrfHeader)
	c.mu.Unlock()
	return &user, nil
}

// CreateCourseInput はコース作成の入力です。
type CreateCourseInput struct {
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	DifficultyLevel string `json:"difficultyLevel,omitempty"`
}

// CreateCourse はコースを作成します。
func (c *Client) CreateCourse(ctx context.Context, in CreateCourseInput) (*courses.Course, error) {
	var course courses.Course
	if _, err := c.doJSON(ctx, http.MethodPost, "/api/courses", in, http.StatusCreated, &course); err != nil {
		return nil, err
	}
	return &course, nil
}

// GetCourse はモジュールを含むコースを取得します。
func (c *Client) GetCourse(ctx context.Context, courseID string) (*courses.Course, error) {
	var course courses.Course
	if _, err := c.doJSON(ctx, http.MethodGet, "/api/courses/"+url.PathEscape(courseID), nil, http.StatusOK, &course); err != nil {
		return nil, err
	}
	return &course, nil
}

// UploadDocument はソース資料をコースにアップロードします。
func (c *Client) UploadDocument(ctx context.Context, courseID, filename string, body io.Reader) (*documents.Document, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, body); err != nil {
		return nil, fmt.Errorf("copy document: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/courses/"+url.PathEscape(courseID)+"/documents", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var doc documents.Document
	if _, err := c.do(req, http.StatusCreated, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// StartGenerationInput は生成開始の入力です。Options が nil の場合はサーバーの既定値を使います。
type StartGenerationInput struct {
	CourseID    string        `json:"courseId"`
	DocumentIDs []string      `json:"documentIds"`
	Options     *jobs.Options `json:"options,omitempty"`
}

// StartGeneration は生成ジョブを登録し、ジョブ ID を返します。
func (c *Client) StartGeneration(ctx context.Context, in StartGenerationInput) (string, error) {
	var out struct {
		JobID string `json:"jobId"`
	}
	if _, err := c.doJSON(ctx, http.MethodPost, "/api/generation", in, http.StatusAccepted, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", errors.New("server returned empty jobId")
	}
	return out.JobID, nil
}

// JobStatus はジョブの現在状態を取得します。存在しない場合は ErrJobNotFound を返します。
func (c *Client) JobStatus(ctx context.Context, jobID string) (*jobs.StatusResponse, error) {
	var status jobs.StatusResponse
	_, err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, http.StatusOK, &status)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}
	return &status, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, want int, out any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, want, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.mu.Lock()
	if c.csrf != "" {
		req.Header.Set(csrfHeader, c.csrf)
	}
	c.mu.Unlock()
	return req, nil
}

func (c *Client) do(req *http.Request, want int, out any) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != want {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return resp, nil
}
