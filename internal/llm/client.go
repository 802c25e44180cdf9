// Package llm はコース生成で利用する LLM クライアントを提供します。
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/korsify/internal/config"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

var defaultModels = map[string]string{
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-sonnet-latest",
	ProviderOllama:    "llama3.1",
}

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("llm api key not set")
	// ErrRateLimited はレート制限のリトライ上限に達した場合のエラー
	ErrRateLimited = errors.New("llm rate limit exceeded")
	// ErrEmptyResponse は応答に候補が含まれない場合のエラー
	ErrEmptyResponse = errors.New("llm returned no choices")
)

// Request は1回の生成リクエストです。
type Request struct {
	System      string
	Prompt      string
	JSON        bool
	Temperature float64
	MaxTokens   int
}

// Response は生成結果です。
type Response struct {
	Content    string
	Model      string
	TokensUsed int
}

// Client は LLM への問い合わせを抽象化します。
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	ModelName() string
}

// New は設定に従って LLM クライアントを作成します。
func New(cfg *config.Config) (Client, error) {
	model := cfg.LLMModel
	if model == "" {
		model = defaultModels[cfg.LLMProvider]
	}

	switch cfg.LLMProvider {
	case ProviderOpenAI:
		return NewOpenAIClient(cfg.OpenAIAPIKey, model, cfg.LLMTimeout)
	case ProviderAnthropic, ProviderOllama:
		return NewLangChainClient(LangChainConfig{
			Provider:        cfg.LLMProvider,
			Model:           model,
			AnthropicAPIKey: cfg.AnthropicAPIKey,
			OllamaHost:      cfg.OllamaHost,
			Timeout:         cfg.LLMTimeout,
		})
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}
}
