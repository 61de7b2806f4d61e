// Package logging builds the colourised slog loggers used by forgectl.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Level is a slog level selectable from the command line or forge.yaml.
type Level slog.Level

const (
	// LevelDebug enables repository, store and engine traces.
	LevelDebug Level = Level(slog.LevelDebug)
	// LevelInfo is the default.
	LevelInfo Level = Level(slog.LevelInfo)
	// LevelWarn reports skipped layers and failed thumbnails only.
	LevelWarn Level = Level(slog.LevelWarn)
	// LevelError reports failures only.
	LevelError Level = Level(slog.LevelError)
)

// ParseLevel converts a textual log level into a Level value. Unknown values map to info.
func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ValidLevel reports whether value names a known level. Empty is accepted as the default.
func ValidLevel(value string) error {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level %q (want debug, info, warn or error)", value)
	}
}

func (l Level) String() string {
	return slog.Level(l).String()
}

// NewLogger constructs a slog.Logger writing tint-formatted records to w.
// Colour is disabled when w is not stderr or stdout.
func NewLogger(w io.Writer, level Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      slog.Level(level),
		TimeFormat: time.TimeOnly,
		NoColor:    w != os.Stderr && w != os.Stdout,
	})

	return slog.New(handler)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
