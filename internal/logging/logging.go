// Package logging builds the host's structured loggers.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Option adjusts the zap configuration before it is built.
type Option func(*zap.Config)

// WithOutput redirects log output, e.g. to a file path or "stderr".
func WithOutput(paths ...string) Option {
	return func(cfg *zap.Config) { cfg.OutputPaths = paths }
}

// WithConsole switches to the human-readable console encoder.
func WithConsole() Option {
	return func(cfg *zap.Config) {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
}

// NewLogger builds a production JSON logger at the given level.
func NewLogger(level string, opts ...Option) (*zap.Logger, error) {
	zapLevel, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"
	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg.Build()
}

// ParseLevel maps a case-insensitive level name.
func ParseLevel(level string) (zapcore.Level, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.Set(strings.ToLower(strings.TrimSpace(level))); err != nil {
		return zapLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zapLevel, nil
}

// ForShell scopes a logger to one shell session.
func ForShell(log *zap.Logger, sessionID, webviewID string) *zap.Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return log.With(zap.String("session_id", sessionID), zap.String("webview_id", webviewID))
}
