// Package logger builds the zerolog loggers handed to every component:
// console output on stderr, plus an optional rolling log file.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LogLevelFlag = "loglevel"
	LogFileFlag  = "logfile"

	defaultLevel = "info"

	consoleTimeFormat = time.RFC3339

	dirPermMode = 0o744 // rwxr--r--

	rollingMaxSizeMB  = 10
	rollingMaxBackups = 3
	rollingMaxAgeDays = 0 // keep forever
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
}

// Options selects the outputs and minimum level of a logger.
type Options struct {
	// Level is parsed with zerolog.ParseLevel; anything unparseable falls
	// back to info.
	Level string
	// Console enables the stderr console writer.
	Console bool
	// FilePath, when non-empty, adds a rolling file output at that path.
	FilePath string
}

// New builds a logger writing to the selected outputs. A file target that
// cannot be opened degrades to the remaining outputs instead of failing the
// command.
func New(opts Options) *zerolog.Logger {
	var writers []io.Writer
	if opts.Console {
		writers = append(writers, consoleWriter())
	}

	var fileErr error
	if opts.FilePath != "" {
		file, err := rollingWriter(opts.FilePath)
		if err != nil {
			fileErr = err
		} else {
			writers = append(writers, file)
		}
	}

	level, levelErr := zerolog.ParseLevel(levelOrDefault(opts.Level))
	if levelErr != nil {
		level = zerolog.InfoLevel
	}

	multi := resilientMultiWriter{level: level, writers: writers}
	log := zerolog.New(multi).With().Timestamp().Logger()
	if levelErr != nil {
		log.Error().Msgf("Failed to parse log level %q, using %q instead", opts.Level, level)
	}
	if fileErr != nil {
		log.Error().Err(fileErr).Str("path", opts.FilePath).Msg("Could not open log file")
	}
	return &log
}

// FromContext builds the logger selected by the global CLI flags.
func FromContext(c *cli.Context) *zerolog.Logger {
	return New(Options{
		Level:    c.String(LogLevelFlag),
		Console:  true,
		FilePath: c.String(LogFileFlag),
	})
}

func levelOrDefault(level string) string {
	if level == "" {
		return defaultLevel
	}
	return level
}

// resilientMultiWriter fans each line out to every writer and tolerates
// individual write errors, so a broken console or file target cannot take
// down the remaining log outputs.
type resilientMultiWriter struct {
	level   zerolog.Level
	writers []io.Writer
}

func (t resilientMultiWriter) Write(p []byte) (int, error) {
	for _, w := range t.writers {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

func (t resilientMultiWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if t.level <= level {
		for _, w := range t.writers {
			_, _ = w.Write(p)
		}
	}
	return len(p), nil
}

func consoleWriter() io.Writer {
	out := os.Stderr
	return zerolog.ConsoleWriter{
		Out:        colorable.NewColorable(out),
		NoColor:    !term.IsTerminal(int(out.Fd())),
		TimeFormat: consoleTimeFormat,
	}
}

func rollingWriter(path string) (io.Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, dirPermMode); err != nil {
			return nil, errors.Wrap(err, "cannot create log directory")
		}
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rollingMaxSizeMB,
		MaxBackups: rollingMaxBackups,
		MaxAge:     rollingMaxAgeDays,
	}, nil
}
