package main

import (
	"context"
	"io"

	"github.com/goliatone/go-logger/glog"

	durable "github.com/goliatone/go-durable"
)

// glogLogger adapts go-logger to durable.Logger.
type glogLogger struct {
	logger glog.Logger
}

func newLogger(out io.Writer, level, format string) durable.Logger {
	if level == "" {
		level = "info"
	}
	var base glog.Logger
	if format == "json" {
		base = glog.NewLogger(glog.WithWriter(out), glog.WithLoggerTypeJSON(), glog.WithLevel(level))
	} else {
		base = glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level))
	}
	return glogLogger{logger: base}
}

func (l glogLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogLogger) WithContext(ctx context.Context) durable.Logger {
	if l.logger == nil {
		return durable.NormalizeLogger(nil)
	}
	return glogLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogLogger) WithFields(fields map[string]any) durable.Logger {
	if l.logger == nil {
		return durable.NormalizeLogger(nil)
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogLogger{logger: fl.WithFields(fields)}
	}
	return l
}
