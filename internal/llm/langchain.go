package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
)

// contentGenerator は langchaingo の llms.Model のうち利用する部分です。
type contentGenerator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// LangChainConfig は LangChainClient の設定です。
type LangChainConfig struct {
	Provider        string
	Model           string
	AnthropicAPIKey string
	OllamaHost      string
	Timeout         time.Duration
}

// LangChainClient は langchaingo 経由で Anthropic / Ollama を呼び出します。
type LangChainClient struct {
	llm     contentGenerator
	model   string
	timeout time.Duration
}

// NewLangChainClient は設定に応じたモデルを作成します。
func NewLangChainClient(cfg LangChainConfig) (*LangChainClient, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModels[cfg.Provider]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	var model llms.Model
	var err error
	switch cfg.Provider {
	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY", ErrAPIKeyNotSet)
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
	case ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}

	return &LangChainClient{llm: model, model: cfg.Model, timeout: cfg.Timeout}, nil
}

func (c *LangChainClient) ModelName() string {
	return c.model
}

func (c *LangChainClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var messages []llms.MessageContent
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.JSON {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := c.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return Response{}, fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Response{}, ErrEmptyResponse
	}
	return Response{
		Content:    resp.Choices[0].Content,
		Model:      c.model,
		TokensUsed: totalTokens(resp.Choices[0].GenerationInfo),
	}, nil
}

// totalTokens はプロバイダーごとに異なる使用量情報から合計トークン数を拾います。
func totalTokens(info map[string]any) int {
	for _, key := range []string{"TotalTokens", "total_tokens"} {
		if v, ok := info[key].(int); ok {
			return v
		}
	}
	in, _ := info["InputTokens"].(int)
	out, _ := info["OutputTokens"].(int)
	return in + out
}

var _ Client = (*LangChainClient)(nil)
