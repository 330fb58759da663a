// Package logger provides the structured logger shared by every component.
//
// It wraps logrus and carries a set of fields through copies, so each component
// derives its own sub-logger without mutating the parent.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Logger wraps logrus.Logger with a set of fields attached to every entry
type Logger struct {
	*logrus.Logger
	fields logrus.Fields
}

// Config holds logger configuration
type Config struct {
	Level  string
	Format string
	Output string
	File   string
}

// New creates a new logger instance with the given configuration
func New(config Config) (*Logger, error) {
	base := logrus.New()

	level := config.Level
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}
	base.SetLevel(parsed)

	switch config.Format {
	case "text":
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	default:
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
	}

	output, err := openOutput(config)
	if err != nil {
		return nil, err
	}
	base.SetOutput(output)

	return &Logger{
		Logger: base,
		fields: make(logrus.Fields),
	}, nil
}

// NewNop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func NewNop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{Logger: base, fields: make(logrus.Fields)}
}

func openOutput(config Config) (io.Writer, error) {
	switch config.Output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "discard":
		return io.Discard, nil
	case "file":
		path := config.File
		if path == "" {
			path = "capability-router.log"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		return file, nil
	default:
		return nil, fmt.Errorf("unsupported log output: %s", config.Output)
	}
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(logrus.Fields{key: value})
}

// WithFields adds multiple fields to the logger context
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

// WithError adds an error field to the logger context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// Fields returns a copy of the fields carried by this logger
func (l *Logger) Fields() logrus.Fields {
	fields := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return fields
}

func (l *Logger) entry() *logrus.Entry {
	return l.Logger.WithFields(l.fields)
}

// Debug logs a debug message
func (l *Logger) Debug(args ...interface{}) { l.entry().Debug(args...) }

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry().Debugf(format, args...) }

// Info logs an info message
func (l *Logger) Info(args ...interface{}) { l.entry().Info(args...) }

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) { l.entry().Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(args ...interface{}) { l.entry().Warn(args...) }

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) { l.entry().Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(args ...interface{}) { l.entry().Error(args...) }

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry().Errorf(format, args...) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(args ...interface{}) { l.entry().Fatal(args...) }

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry().Fatalf(format, args...) }

// RequestLogger creates a logger with admin request fields
func (l *Logger) RequestLogger(requestID, method, path, remoteAddr string) *Logger {
	return l.WithFields(logrus.Fields{
		"request_id":  requestID,
		"method":      method,
		"path":        path,
		"remote_addr": remoteAddr,
		"component":   "admin_api",
	})
}

// InstanceLogger creates a logger with backend instance fields
func (l *Logger) InstanceLogger(instanceID, group string) *Logger {
	return l.WithFields(logrus.Fields{
		"instance_id": instanceID,
		"group":       group,
	})
}

// RegistryLogger creates a logger for the server registry
func (l *Logger) RegistryLogger() *Logger {
	return l.WithField("component", "registry")
}

// HealthMonitorLogger creates a logger for the health monitor
func (l *Logger) HealthMonitorLogger() *Logger {
	return l.WithField("component", "health_monitor")
}

// LoadBalancerLogger creates a logger with load balancer specific fields
func (l *Logger) LoadBalancerLogger() *Logger {
	return l.WithField("component", "load_balancer")
}

// OrchestratorLogger creates a logger for the orchestrator
func (l *Logger) OrchestratorLogger() *Logger {
	return l.WithField("component", "orchestrator")
}

// TransportLogger creates a logger for a transport implementation
func (l *Logger) TransportLogger(protocol string) *Logger {
	return l.WithFields(logrus.Fields{
		"component": "transport",
		"protocol":  protocol,
	})
}

// DeployLogger creates a logger for a deployment provider
func (l *Logger) DeployLogger(provider string) *Logger {
	return l.WithFields(logrus.Fields{
		"component": "deploy",
		"provider":  provider,
	})
}

// StoreLogger creates a logger for a persistence driver
func (l *Logger) StoreLogger(driver string) *Logger {
	return l.WithFields(logrus.Fields{
		"component": "store",
		"driver":    driver,
	})
}

// ConfigLogger creates a logger for configuration loading and reload
func (l *Logger) ConfigLogger() *Logger {
	return l.WithField("component", "config")
}

// AdminLogger creates a logger for the administrative API
func (l *Logger) AdminLogger() *Logger {
	return l.WithField("component", "admin_api")
}

// MiddlewareLogger creates a logger with middleware specific fields
func (l *Logger) MiddlewareLogger(middlewareName string) *Logger {
	return l.WithFields(logrus.Fields{
		"component":  "middleware",
		"middleware": middlewareName,
	})
}
