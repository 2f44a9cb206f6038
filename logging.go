package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kwv/cloudreg/align"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger configures the global logger for the given -v count. When
// logFile is set, output is duplicated there as JSON lines. The returned
// function syncs and closes the log file and sends later output to the
// console only; it is safe to call when no file is open.
func SetupLogger(verbosity int, logFile string) func() error {
	switch verbosity {
	case 0:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case 1:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	writers := []io.Writer{console}

	var (
		file    *os.File
		fileErr error
	)
	if logFile != "" {
		if file, fileErr = openLogFile(logFile); fileErr == nil {
			writers = append(writers, file)
		}
	}

	log.Logger = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()
	if verbosity >= 2 {
		log.Logger = log.Logger.With().Caller().Logger()
	}
	if fileErr != nil {
		log.Warn().Err(fileErr).Str("path", logFile).Msg("Failed to create log file, logging to console only")
	}

	align.Logf = alignLogf
	log.Debug().Int("verbosity", verbosity).Msg("Logger initialized")

	return func() error {
		if file == nil {
			return nil
		}
		log.Logger = log.Logger.Output(console)
		f := file
		file = nil
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("failed to sync log file: %w", err)
		}
		return f.Close()
	}
}

// alignLogf routes library messages into zerolog. A leading "[TAG] " becomes
// the component field and "warning: " messages are raised to warn level.
func alignLogf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	component := ""
	if strings.HasPrefix(msg, "[") {
		if end := strings.Index(msg, "] "); end > 0 {
			component = strings.ToLower(msg[1:end])
			msg = msg[end+2:]
		}
	}
	ev := log.Debug()
	if rest, ok := strings.CutPrefix(msg, "warning: "); ok {
		ev = log.Warn()
		msg = rest
	}
	if component != "" {
		ev = ev.Str("component", component)
	}
	ev.Msg(msg)
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
