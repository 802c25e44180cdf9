package llm

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter はトークン数を数え、上限に合わせて本文を切り詰めます。
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter は cl100k_base エンコーディングで TokenCounter を作成します。
func NewTokenCounter() (*TokenCounter, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}
	return &TokenCounter{encoding: encoding}, nil
}

// Count はテキストのトークン数を返します。
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// Truncate は limit トークン以内に収まるようにテキストを切り詰めます。
// 切り詰めた場合は true を返します。
func (tc *TokenCounter) Truncate(text string, limit int) (string, bool) {
	if limit <= 0 {
		return text, false
	}
	if tc == nil || tc.encoding == nil {
		runes := []rune(text)
		if len(runes) <= limit*3 {
			return text, false
		}
		return string(runes[:limit*3]), true
	}
	tokens := tc.encoding.Encode(text, nil, nil)
	if len(tokens) <= limit {
		return text, false
	}
	return tc.encoding.Decode(tokens[:limit]), true
}

// EstimateTokens はエンコーディングが使えない場合の概算値です（3文字で1トークン）。
func EstimateTokens(text string) int {
	return len([]rune(text)) / 3
}
