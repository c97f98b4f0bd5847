package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Output is structured JSON on stderr so log
// shippers can ingest it; setting REALTIME_PRETTY_LOGS switches to the
// console writer for local runs. Unknown level strings fall back to info.
func New(level string) *zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stderr
	if os.Getenv("REALTIME_PRETTY_LOGS") != "" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("service", "realtime").
		Logger()
	return &logger
}

func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(level)
	if level == "warning" {
		level = "warn"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
