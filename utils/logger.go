package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/mdobak/go-xerrors"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
)

// Logger returns the process-wide logger. Level comes from LOG_LEVEL
// (debug, info, warn, error); default info.
func Logger() *slog.Logger {
	loggerOnce.Do(func() {
		logger = slog.New(newPrettyHandler(os.Stderr, envLevel()))
	})
	return logger
}

func envLevel() slog.Level {
	switch GetEnv("LOG_LEVEL", "info") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// prettyHandler renders records as single lines with a colored level tag
// and, for error values, an xerrors stack trace underneath.
type prettyHandler struct {
	out   io.Writer
	mu    *sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func newPrettyHandler(out io.Writer, level slog.Level) *prettyHandler {
	return &prettyHandler{out: out, mu: &sync.Mutex{}, level: level}
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	levelTag := r.Level.String()
	switch r.Level {
	case slog.LevelDebug:
		levelTag = color.MagentaString(levelTag)
	case slog.LevelInfo:
		levelTag = color.CyanString(levelTag)
	case slog.LevelWarn:
		levelTag = color.YellowString(levelTag)
	case slog.LevelError:
		levelTag = color.RedString(levelTag)
	}

	line := fmt.Sprintf("%s %s %s", r.Time.Format("15:04:05.000"), levelTag, r.Message)

	var traces []string
	appendAttr := func(a slog.Attr) {
		if err, ok := a.Value.Any().(error); ok {
			line += fmt.Sprintf(" %s=%q", a.Key, err.Error())
			traces = append(traces, fmt.Sprintf("%+v", xerrors.New(err)))
			return
		}
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(a)
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintln(h.out, line)
	for _, tr := range traces {
		fmt.Fprintln(h.out, tr)
	}
	return nil
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &prettyHandler{out: h.out, mu: h.mu, level: h.level, attrs: merged}
}

func (h *prettyHandler) WithGroup(string) slog.Handler { return h }
