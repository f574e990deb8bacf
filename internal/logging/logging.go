package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how the global zerolog logger writes.
type Options struct {
	Level   string // trace, debug, info, warn, error
	Console bool   // human readable output instead of JSON
	File    string // optional path; enables rotating file output
	// MaxSizeMB is the rotation threshold for File, defaults to 10
	MaxSizeMB int
}

var (
	writerMu  sync.Mutex
	logWriter *lumberjack.Logger
)

// Setup configures the global logger. Calling it again replaces the previous output.
func Setup(opts Options) error {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stderr
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	writerMu.Lock()
	defer writerMu.Unlock()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("[logging.Setup] failed to create log directory: %w", err)
		}
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		logWriter = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: 3,
			Compress:   false,
		}
		out = zerolog.MultiLevelWriter(out, logWriter)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// Close flushes and closes any file output opened by Setup.
func Close() error {
	writerMu.Lock()
	defer writerMu.Unlock()
	if logWriter == nil {
		return nil
	}
	err := logWriter.Close()
	logWriter = nil
	return err
}

// Redact shortens a secret to a prefix safe to log.
func Redact(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "..."
}
