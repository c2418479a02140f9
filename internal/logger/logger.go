package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the process logger. format "text" selects the console writer;
// anything else emits JSON. Both paths go through RedactWriter.
func New(level, format string) zerolog.Logger {
	return newWithWriter(os.Stderr, level, format)
}

func newWithWriter(out io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = NewRedactWriter(out)
	if format == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = w
		cw.NoColor = true
		w = cw
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
