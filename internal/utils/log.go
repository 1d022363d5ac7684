package utils

import (
	"io"
	"os"
	"path/filepath"

	"github.com/centrio-installer/centrio-core/internal/constants"
	"github.com/rs/zerolog"
)

// Log is the process wide logger. It defaults to a console writer so packages can log before SetLogger runs.
var Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// SetLogger configures Log with a console writer on stderr and, when possible, a json file under constants.LogDir.
func SetLogger(debug bool) {
	level := zerolog.InfoLevel
	if debug || os.Getenv("CENTRIO_DEBUG") != "" {
		level = zerolog.DebugLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	if err := os.MkdirAll(constants.LogDir, os.ModeDir|0o755); err == nil {
		f, err := os.OpenFile(filepath.Join(constants.LogDir, constants.LogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err == nil {
			writers = append(writers, f)
		}
	}

	Log = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
}
