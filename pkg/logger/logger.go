package logger

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	apperrors "github.com/dny1020/outdial-orchestrator/pkg/errors"
)

// Structured logging for the orchestrator. A logrus wrapper that stamps
// process identity on every line and understands the correlation fields
// this system threads through request contexts: the request id set by the
// API middleware, the call id and channel set along the call lifecycle,
// and the authenticated user.

type Logger struct {
	*logrus.Logger
	fields logrus.Fields
}

var (
	defaultLogger *Logger
)

// contextFields are the correlation keys the API middleware, the dialer
// and the reconciler place into request contexts, in the order they are
// attached during a call's life.
var contextFields = []string{"request_id", "user_id", "call_id", "channel"}

type Config struct {
	Level  string
	Format string
	Output string
	File   FileConfig
	Fields map[string]interface{}
}

type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func Init(cfg Config) error {
	log := logrus.New()

	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrConfiguration, "invalid log level")
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "@timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	switch {
	case cfg.File.Enabled:
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge,
			Compress:   cfg.File.Compress,
		})
	case cfg.Output == "stderr":
		log.SetOutput(os.Stderr)
	default:
		log.SetOutput(os.Stdout)
	}

	fields := logrus.Fields{
		"app":     "outdial-orchestrator",
		"version": "1.0.0",
		"pid":     os.Getpid(),
	}
	for k, v := range cfg.Fields {
		fields[k] = v
	}

	defaultLogger = &Logger{
		Logger: log,
		fields: fields,
	}

	return nil
}

// base returns the initialized logger, falling back to a plain text
// logger so CLI paths and tests that skip Init still log instead of
// crashing.
func base() *Logger {
	if defaultLogger == nil {
		Init(Config{Level: "info", Format: "text"})
	}
	return defaultLogger
}

// WithContext lifts the known correlation fields out of a request context
func WithContext(ctx context.Context) *Logger {
	fields := logrus.Fields{}
	for _, key := range contextFields {
		if value := ctx.Value(key); value != nil {
			fields[key] = value
		}
	}
	return base().WithFields(fields)
}

// entry materialises the accumulated fields so every emit path carries
// them
func (l *Logger) entry() *logrus.Entry {
	return l.Logger.WithFields(l.fields)
}

func (l *Logger) Debug(args ...interface{}) { l.entry().Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry().Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry().Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry().Error(args...) }
func (l *Logger) Fatal(args ...interface{}) { l.entry().Fatal(args...) }

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(logrus.Fields{key: value})
}

func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return &Logger{
		Logger: l.Logger,
		fields: merged,
	}
}

// WithCall attaches the call correlation pair. Either part may be empty
// while the other is known (the channel id exists before the DIALING
// write commits, the call id before the PBX assigns a channel).
func (l *Logger) WithCall(callID, channel string) *Logger {
	fields := logrus.Fields{}
	if callID != "" {
		fields["call_id"] = callID
	}
	if channel != "" {
		fields["channel"] = channel
	}
	return l.WithFields(fields)
}

// WithError records the error text and, for coded application errors,
// the machine-readable code so log pipelines can group by failure class
func (l *Logger) WithError(err error) *Logger {
	fields := logrus.Fields{"error": err.Error()}
	if appErr, ok := err.(*apperrors.AppError); ok {
		fields["error_code"] = string(appErr.Code)
	}
	return l.WithFields(fields)
}

// Convenience functions
func Debug(args ...interface{}) { base().Debug(args...) }
func Info(args ...interface{})  { base().Info(args...) }
func Warn(args ...interface{})  { base().Warn(args...) }
func Error(args ...interface{}) { base().Error(args...) }
func Fatal(args ...interface{}) { base().Fatal(args...) }

func WithField(key string, value interface{}) *Logger {
	return base().WithFields(logrus.Fields{key: value})
}

func WithFields(fields logrus.Fields) *Logger {
	return base().WithFields(fields)
}

func WithError(err error) *Logger {
	return base().WithError(err)
}

func WithCall(callID, channel string) *Logger {
	return base().WithCall(callID, channel)
}
