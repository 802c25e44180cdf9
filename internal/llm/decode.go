package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalidJSON は応答を JSON として解釈できない場合のエラー
var ErrInvalidJSON = errors.New("invalid JSON response")

// DecodeJSON はモデルの応答を v にデコードします。
// ```json で囲まれた応答にも対応し、JSON の後ろに余計な値があればエラーにします。
func DecodeJSON(content string, v any) error {
	body := stripCodeFence(content)
	if body == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidJSON)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON value", ErrInvalidJSON)
	}
	return nil
}

func stripCodeFence(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// ```json のような言語指定を取り除く
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
