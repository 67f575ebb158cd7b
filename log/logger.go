// Package log provides structured logging with sidecar context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for the connection and pool paths
//   - SugaredLogger: Printf-style logging for CLI surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// Context identifies the sidecar a log entry belongs to.
type Context struct {
	// SidecarID is a unique id assigned when the sidecar is created.
	SidecarID string
	// SocketPath is the worker socket, when known.
	SocketPath string
}

// Logger provides structured logging with sidecar context.
type Logger struct {
	zap *zap.Logger
}

// SugaredLogger provides printf-style logging for CLI surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a logger with sidecar context writing to os.Stderr at
// info level.
func NewLogger(ctx Context) *Logger {
	return newLoggerWithWriter(ctx, os.Stderr, zapcore.InfoLevel)
}

// NewLoggerWithLevel creates a logger writing to w at the given level.
func NewLoggerWithLevel(ctx Context, w io.Writer, level zapcore.Level) *Logger {
	return newLoggerWithWriter(ctx, w, level)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// ParseLevel parses a level name such as "debug" or "warn".
func ParseLevel(s string) (zapcore.Level, error) {
	return zapcore.ParseLevel(s)
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

func newLoggerWithWriter(ctx Context, w io.Writer, level zapcore.Level) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		level,
	)

	var contextFields []zap.Field
	if ctx.SidecarID != "" {
		contextFields = append(contextFields, zap.String("sidecar_id", ctx.SidecarID))
	}
	if ctx.SocketPath != "" {
		contextFields = append(contextFields, zap.String("socket", ctx.SocketPath))
	}

	return &Logger{zap: zap.New(core).With(contextFields...)}
}

// With returns a logger that adds key/value fields to every entry.
func (l *Logger) With(fields map[string]any) *Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &Logger{zap: l.zap.With(zf...)}
}

// WithSocket returns a logger carrying the socket path.
func (l *Logger) WithSocket(path string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("socket", path))}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Writer returns a writer that logs each line written to it as one entry
// at level, tagged with stream. Close flushes a trailing partial line.
func (l *Logger) Writer(stream string, level zapcore.Level) io.WriteCloser {
	return &zapio.Writer{
		Log:   l.zap.With(zap.String("stream", stream)),
		Level: level,
	}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}
