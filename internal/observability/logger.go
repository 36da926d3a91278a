package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds a leveled zerolog logger. format "json" writes one JSON
// object per line, anything else writes human-readable console output.
// A nil writer means stderr.
func NewLogger(level, format string, w io.Writer) *zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if !strings.EqualFold(format, "json") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000", NoColor: !isTerminal(w)}
	}
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Str("version", Version).Logger()
	return &logger
}

// Nop returns a disabled logger.
func Nop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
