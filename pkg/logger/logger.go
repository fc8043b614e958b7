package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger construction.
// Level accepts debug/info/warn/error; Environment "prod" selects the JSON handler.
// File, when set, tees every record into a size-rotated log file.
type Config struct {
	Level       string
	Environment string
	WithSource  bool

	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	global *slog.Logger
	once   sync.Once
)

func levelFromString(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level: " + level)
	}
}

// writerFor returns stdout, or stdout plus a rotating file when cfg.File is set.
func writerFor(cfg Config) io.Writer {
	if strings.TrimSpace(cfg.File) == "" {
		return os.Stdout
	}
	rotating := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 10),
		MaxAge:     orDefault(cfg.MaxAgeDays, 30),
		Compress:   true,
	}
	return io.MultiWriter(os.Stdout, rotating)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New builds a logger from cfg without touching the global instance.
func New(cfg Config) (*slog.Logger, error) {
	return newWithWriter(cfg, writerFor(cfg))
}

func newWithWriter(cfg Config, w io.Writer) (*slog.Logger, error) {
	lvl, err := levelFromString(cfg.Level)
	if err != nil {
		return nil, err
	}

	handlerOpts := &slog.HandlerOptions{Level: lvl, AddSource: cfg.WithSource}
	var handler slog.Handler
	if strings.ToLower(cfg.Environment) == "prod" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return slog.New(handler), nil
}

// Init initialises the process logger. Repeated calls return the first instance.
func Init(cfg Config) (*slog.Logger, error) {
	var initErr error
	once.Do(func() {
		global, initErr = New(cfg)
	})
	return global, initErr
}

// L returns the process logger, panicking if Init was never called.
func L() *slog.Logger {
	if global == nil {
		panic("logger.Init must be called before logger.L")
	}
	return global
}

// LogStage records one pipeline stage event for a video.
// action: start/success/error/retry
func LogStage(logger *slog.Logger, videoID, stage, action string, durationMs int64, errorCode string) {
	attrs := []slog.Attr{
		slog.String("video_id", videoID),
		slog.String("stage", stage),
		slog.String("action", action),
		slog.Int64("duration_ms", durationMs),
	}

	if errorCode != "" {
		attrs = append(attrs, slog.String("error_code", errorCode))
		logger.LogAttrs(context.Background(), slog.LevelError, "pipeline stage error", attrs...)
	} else {
		logger.LogAttrs(context.Background(), slog.LevelInfo, "pipeline stage event", attrs...)
	}
}
