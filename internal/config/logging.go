package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel は LOG_LEVEL の文字列を slog.Level に変換します。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger は標準エラーへのテキスト出力と、LOG_FILE 指定時はファイルへの JSON 出力を行うロガーを作成します。
// 戻り値の関数でファイルを閉じます。
func SetupLogger(cfg *Config) (*slog.Logger, func() error) {
	level := ParseLevel(cfg.LogLevel)
	if cfg.LogFile == "" {
		return newLogger(os.Stderr, nil, level), func() error { return nil }
	}

	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		logger := newLogger(os.Stderr, nil, level)
		logger.Error("failed to open log file, using stderr only", "error", err, "file", cfg.LogFile)
		return logger, func() error { return nil }
	}
	return newLogger(os.Stderr, file, level), file.Close
}

// newLogger は stderr にテキスト、file が nil でなければ file に JSON を出力します。
func newLogger(stderr, file io.Writer, level slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	if file == nil {
		return slog.New(stderrHandler)
	}
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
}
