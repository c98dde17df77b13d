package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel LOG_LEVEL の文字列を slog.Level に変換。不明な値は INFO
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup tint ハンドラーをデフォルトロガーに設定
func Setup(level string) {
	slog.SetDefault(New(os.Stderr, level))
}

// New 指定の出力先に tint ハンドラーのロガーを作る
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      ParseLevel(level),
		TimeFormat: time.RFC3339,
		// Lambda のログには色コードを出さない
		NoColor: os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "",
	}))
}
