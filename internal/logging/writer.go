package logging

import (
	"context"
	"log/slog"
	"strings"
)

// Writer is an io.Writer that turns each written line into a log record.
// It adapts line-oriented loggers, such as the HTTP request logger, to slog.
type Writer struct {
	logger *slog.Logger
	msg    string
	level  slog.Level
}

// NewWriter constructs a Writer that logs lines under msg at info level.
func NewWriter(logger *slog.Logger, msg string) *Writer {
	if msg == "" {
		msg = "output"
	}
	return &Writer{logger: logger, msg: msg, level: slog.LevelInfo}
}

// WithLevel returns a copy of w logging at level.
func (w *Writer) WithLevel(level slog.Level) *Writer {
	cp := *w
	cp.level = level
	return &cp
}

// Write logs every non-empty line of p as a separate record.
func (w *Writer) Write(p []byte) (int, error) {
	if w.logger == nil {
		return len(p), nil
	}
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		w.logger.Log(context.Background(), w.level, w.msg, "line", line)
	}
	return len(p), nil
}
