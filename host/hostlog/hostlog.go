// Package hostlog sets up logrus for the host tools and adapts it to the
// diag.Logger interface used by the bootloader core.
package hostlog

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"flashboot/diag"
)

type contextKey struct{}

var loggerContextKey = contextKey{}

// New returns a text logger writing to w. verbose enables debug output.
func New(w io.Writer, verbose, jsonFormat bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	if jsonFormat {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logger.SetLevel(logrus.InfoLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// WithLogger adds logger to context
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// GetLogger retrieves logger from context
func GetLogger(ctx context.Context) logrus.FieldLogger {
	if logger, ok := ctx.Value(loggerContextKey).(logrus.FieldLogger); ok {
		return logger
	}
	return logrus.New()
}

// Adapter implements diag.Logger on top of logrus.
type Adapter struct {
	logger logrus.FieldLogger
}

var _ diag.Logger = Adapter{}

// Adapt wraps a logrus logger or entry.
func Adapt(logger logrus.FieldLogger) Adapter {
	return Adapter{logger: logger}
}

func (a Adapter) Debug(msg string, kv ...interface{}) {
	a.logger.WithFields(Fields(kv)).Debug(msg)
}

func (a Adapter) Info(msg string, kv ...interface{}) {
	a.logger.WithFields(Fields(kv)).Info(msg)
}

func (a Adapter) Error(msg string, kv ...interface{}) {
	a.logger.WithFields(Fields(kv)).Error(msg)
}

// Fields turns alternating keys and values into logrus fields. A dangling
// key is logged under "extra".
func Fields(kv []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields[key] = kv[i+1]
	}
	if len(kv)%2 == 1 {
		fields["extra"] = kv[len(kv)-1]
	}
	return fields
}
