package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
)

// New creates a configured *slog.Logger. Every occurrence of a non-empty
// secret in a logged string or error value is replaced with "[REDACTED]";
// net/http errors quote request URLs, and the Bot API URL carries the token.
// The returned closer function should be deferred to flush/close file handles.
func New(cfg config.LoggerConfig, secrets ...string) (*slog.Logger, func() error, error) {
	writer, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return slog.New(newHandler(writer, cfg, secrets)), closer, nil
}

func newHandler(w io.Writer, cfg config.LoggerConfig, secrets []string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redactor(secrets),
	}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

const redacted = "[REDACTED]"

func redactor(secrets []string) func([]string, slog.Attr) slog.Attr {
	var pairs []string
	for _, s := range secrets {
		if s != "" {
			pairs = append(pairs, s, redacted)
		}
	}
	if len(pairs) == 0 {
		return nil
	}
	r := strings.NewReplacer(pairs...)

	return func(_ []string, a slog.Attr) slog.Attr {
		switch a.Value.Kind() {
		case slog.KindString:
			a.Value = slog.StringValue(r.Replace(a.Value.String()))
		case slog.KindAny:
			if err, ok := a.Value.Any().(error); ok {
				a.Value = slog.StringValue(r.Replace(err.Error()))
			}
		}
		return a
	}
}

// ForConversation returns l annotated with the conversation key.
func ForConversation(l *slog.Logger, key domain.ConversationKey) *slog.Logger {
	return l.With("chat_id", key.ChatID, "thread_id", key.ThreadID)
}

// parseLevel converts a string level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// openOutput returns an io.Writer for the specified output target.
func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
