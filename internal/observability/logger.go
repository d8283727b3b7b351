// Package observability builds the process-wide zap logger.
package observability

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/specfuzz/specfuzz/internal/config"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

// Initialize sets up the global logger from config. Console output goes to
// the given writer; when a log file is configured, a JSON core with
// lumberjack rotation is teed in. Runs at most once per process.
func Initialize(cfg config.LoggerConfig, console zapcore.WriteSyncer) {
	once.Do(func() {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}

		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

		var consoleEnc zapcore.Encoder
		if cfg.Format == "json" {
			consoleEnc = zapcore.NewJSONEncoder(encCfg)
		} else {
			consoleEnc = zapcore.NewConsoleEncoder(encCfg)
		}
		cores := []zapcore.Core{zapcore.NewCore(consoleEnc, console, level)}

		if cfg.File != "" {
			fileWriter := zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			})
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), fileWriter, level))
		}

		logger := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel)).Named("specfuzz")
		globalLogger.Store(logger)
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// InitializeLogger is Initialize with stdout as the console sink.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stdout))
}

// GetLogger returns the global logger, or a no-op logger before Initialize.
func GetLogger() *zap.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// Sync flushes buffered entries; call before exit.
func Sync() {
	if l := globalLogger.Load(); l != nil {
		_ = l.Sync()
	}
}

// ResetForTest clears the global logger so tests can re-initialize.
func ResetForTest() {
	globalLogger.Store(nil)
	once = sync.Once{}
}
