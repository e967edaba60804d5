package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog's Debug; pion's trace output is only emitted when
// the handler is configured that low.
const levelTrace = slog.LevelDebug - 4

type loggerFactory struct {
	log *slog.Logger
}

// NewSlogLoggerFactory routes pion's internal logging into log, tagging every
// record with the pion scope (ice, dtls, pc, ...).
func NewSlogLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	return loggerFactory{log: log}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{log: f.log.With("pion", scope)}
}

type scopedLogger struct {
	log *slog.Logger
}

func (l scopedLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l scopedLogger) emitf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l scopedLogger) Trace(msg string) { l.emit(levelTrace, msg) }
func (l scopedLogger) Tracef(format string, args ...interface{}) {
	l.emitf(levelTrace, format, args...)
}
func (l scopedLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l scopedLogger) Debugf(format string, args ...interface{}) {
	l.emitf(slog.LevelDebug, format, args...)
}
func (l scopedLogger) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l scopedLogger) Infof(format string, args ...interface{}) {
	l.emitf(slog.LevelInfo, format, args...)
}
func (l scopedLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l scopedLogger) Warnf(format string, args ...interface{}) {
	l.emitf(slog.LevelWarn, format, args...)
}
func (l scopedLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l scopedLogger) Errorf(format string, args ...interface{}) {
	l.emitf(slog.LevelError, format, args...)
}
