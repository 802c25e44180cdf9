package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 120 * time.Second

	// MaxRetries はレート制限エラー時の最大リトライ回数
	MaxRetries = 3

	// BaseBackoff は Exponential Backoff の基底時間
	BaseBackoff = 2 * time.Second

	// MaxBackoff は Exponential Backoff の最大待機時間
	MaxBackoff = 32 * time.Second
)

// OpenAIClient は OpenAI Chat Completions API を使ったクライアントです。
// リトライするのは 429 のみで、それ以外のエラーは即座に返します。
type OpenAIClient struct {
	client      openai.Client
	model       string
	timeout     time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewOpenAIClient は OpenAIClient を作成します。
func NewOpenAIClient(apiKey, model string, timeout time.Duration, opts ...option.RequestOption) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY", ErrAPIKeyNotSet)
	}
	if model == "" {
		model = defaultModels[ProviderOpenAI]
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	// SDK 側の自動リトライは無効にし、429 のみこちらで制御する
	reqOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)

	return &OpenAIClient{
		client:      openai.NewClient(reqOpts...),
		model:       model,
		timeout:     timeout,
		baseBackoff: BaseBackoff,
		maxBackoff:  MaxBackoff,
	}, nil
}

// ModelName はモデル名を返します。
func (c *OpenAIClient) ModelName() string {
	return c.model
}

// Complete は1回の問い合わせを行います。
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseBackoff
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRateLimitError(err) {
			return Response{}, fmt.Errorf("OpenAI API call failed: %w", err)
		}
	}
	return Response{}, fmt.Errorf("%w after %d retries: %v", ErrRateLimited, MaxRetries, lastErr)
}

func (c *OpenAIClient) complete(ctx context.Context, req Request) (Response, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, err
	}
	if len(completion.Choices) == 0 {
		return Response{}, ErrEmptyResponse
	}
	return Response{
		Content:    completion.Choices[0].Message.Content,
		Model:      completion.Model,
		TokensUsed: int(completion.Usage.TotalTokens),
	}, nil
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

var _ Client = (*OpenAIClient)(nil)
