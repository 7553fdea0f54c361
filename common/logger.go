// This file extends common's logging infrastructure with a configurable
// logger factory and ContextLogger, which carries accumulated fields
// (component, request id, error) across a call chain without threading
// them through every function signature.
package common

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel is a logrus level expressed as the string config.AppConfig and
// the CLI flags carry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LoggerConfig configures a logger built by NewLogger.
type LoggerConfig struct {
	Level      LogLevel
	Format     string // "json" or "text"
	Service    string
	Version    string
	AddCaller  bool
	TimeFormat string
}

// DefaultLoggerConfig returns sane defaults: info level, text format,
// RFC3339 timestamps.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:      LogLevelInfo,
		Format:     "text",
		TimeFormat: time.RFC3339,
	}
}

// NewLogger builds a logrus.Logger per config, with OutputSplitter wired
// in so error-level output still routes to stderr regardless of format.
func NewLogger(config LoggerConfig) *logrus.Logger {
	logger := logrus.New()

	switch config.Level {
	case LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LogLevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LogLevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LogLevelFatal:
		logger.SetLevel(logrus.FatalLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: config.TimeFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: config.TimeFormat,
			FullTimestamp:   true,
		})
	}

	logger.SetReportCaller(config.AddCaller)
	logger.SetOutput(&OutputSplitter{})

	return logger
}

// ContextLogger pairs a logrus.Logger with an immutable set of fields.
// Every With* method returns a new ContextLogger, so a handler can derive
// a request-scoped logger from a shared component logger without
// mutating it for other concurrent requests.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger wraps logger (or the package Logger, if nil) with the
// given base fields.
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	if logger == nil {
		logger = Logger
	}

	baseFields := make(logrus.Fields)
	for k, v := range fields {
		baseFields[k] = v
	}

	return &ContextLogger{logger: logger, fields: baseFields}
}

// WithField returns a derived logger with key added to its fields.
func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	newFields := make(logrus.Fields, len(cl.fields)+1)
	for k, v := range cl.fields {
		newFields[k] = v
	}
	newFields[key] = value

	return &ContextLogger{logger: cl.logger, fields: newFields}
}

// WithFields returns a derived logger with fields merged in.
func (cl *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	newFields := make(logrus.Fields, len(cl.fields)+len(fields))
	for k, v := range cl.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &ContextLogger{logger: cl.logger, fields: newFields}
}

// WithError returns a derived logger with err's message attached.
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	return cl.WithField("error", err.Error())
}

// WithContext returns a derived logger carrying request_id, trace_id, and
// user_id values found on ctx, when present.
func (cl *ContextLogger) WithContext(ctx context.Context) *ContextLogger {
	newFields := make(logrus.Fields, len(cl.fields))
	for k, v := range cl.fields {
		newFields[k] = v
	}

	if requestID := ctx.Value("request_id"); requestID != nil {
		newFields["request_id"] = requestID
	}
	if traceID := ctx.Value("trace_id"); traceID != nil {
		newFields["trace_id"] = traceID
	}
	if userID := ctx.Value("user_id"); userID != nil {
		newFields["user_id"] = userID
	}

	return &ContextLogger{logger: cl.logger, fields: newFields}
}

func (cl *ContextLogger) Debug(msg string) { cl.logger.WithFields(cl.fields).Debug(msg) }
func (cl *ContextLogger) Debugf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Debugf(format, args...)
}
func (cl *ContextLogger) Info(msg string) { cl.logger.WithFields(cl.fields).Info(msg) }
func (cl *ContextLogger) Infof(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Infof(format, args...)
}
func (cl *ContextLogger) Warn(msg string) { cl.logger.WithFields(cl.fields).Warn(msg) }
func (cl *ContextLogger) Warnf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Warnf(format, args...)
}
func (cl *ContextLogger) Error(msg string) { cl.logger.WithFields(cl.fields).Error(msg) }
func (cl *ContextLogger) Errorf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Errorf(format, args...)
}
func (cl *ContextLogger) Fatal(msg string) { cl.logger.WithFields(cl.fields).Fatal(msg) }
func (cl *ContextLogger) Fatalf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Fatalf(format, args...)
}

// HTTPFields returns the standard field set api's logging middleware
// attaches to every request log line.
func HTTPFields(method, path string, statusCode int, duration time.Duration) map[string]interface{} {
	return map[string]interface{}{
		"http_method":      method,
		"http_path":        path,
		"http_status_code": statusCode,
		"duration":         duration.String(),
		"duration_ms":      duration.Milliseconds(),
	}
}

// LogPanic logs a value recovered from panic, with a stack trace. Call it
// with the result of recover() from directly within the deferred function
// that called recover — LogPanic only formats and logs, it does not call
// recover itself, since recover only stops a panic when called directly
// by the deferred function (api's recoverMiddleware relies on this).
func LogPanic(logger *ContextLogger, r interface{}) {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)

	logger.WithFields(map[string]interface{}{
		"panic":      fmt.Sprintf("%v", r),
		"stacktrace": string(buf[:n]),
	}).Error("panic recovered")
}
