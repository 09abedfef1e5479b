package commons

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the application-wide logging surface. It mirrors the sugared zap
// API so call sites can use printf-style and structured key/value variants
// interchangeably.
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})

	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Sync() error
}

type applicationLogger struct {
	*zap.SugaredLogger
}

// NewApplicationLogger builds the default logger: human-readable console output
// plus a JSON file core with rotation. Level comes from LOG_LEVEL (default debug).
func NewApplicationLogger() (Logger, error) {
	return NewApplicationLoggerWithLevel(os.Getenv("LOG_LEVEL"))
}

// NewApplicationLoggerWithLevel builds a logger at an explicit level.
func NewApplicationLoggerWithLevel(level string) (Logger, error) {
	lvl := parseLevel(level)

	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleEncoderCfg),
		zapcore.Lock(os.Stdout),
		lvl,
	)

	cores := []zapcore.Core{consoleCore}
	if dir := os.Getenv("LOG_DIR"); dir != "" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   dir + "/transcription-api.log",
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			fileWriter,
			lvl,
		)
		cores = append(cores, fileCore)
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return &applicationLogger{logger.Sugar()}, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		return zapcore.ErrorLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "info":
		return zapcore.InfoLevel
	case "debug", "":
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
