package core

import (
	"context"
	"sort"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Log writes message with fields attached natively when the logger supports
// it, and as sorted key/value args otherwise.
func Log(ctx context.Context, logger Logger, level LogLevel, message string, fields map[string]any) {
	if logger == nil {
		return
	}
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	var args []any
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	} else {
		args = flattenFields(fields)
	}
	switch level {
	case LevelDebug:
		logger.Debug(message, args...)
	case LevelWarn:
		logger.Warn(message, args...)
	case LevelError:
		logger.Error(message, args...)
	default:
		logger.Info(message, args...)
	}
}

// ResolveLogger applies provider > logger > nop precedence.
func ResolveLogger(name string, provider LoggerProvider, logger Logger) Logger {
	_, resolved := glog.Resolve(name, provider, logger)
	return resolved
}

func EventFields(event QueuedEvent) map[string]any {
	return map[string]any{
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"provider":   string(event.Provider),
	}
}

// Observe records a total counter and a duration histogram for operation.
func Observe(ctx context.Context, recorder MetricsRecorder, operation string, startedAt time.Time, err error, tags map[string]string) {
	if recorder == nil {
		return
	}
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	merged := CloneTags(tags)
	merged["operation"] = operation
	merged["status"] = status
	recorder.IncCounter(ctx, CounterName(operation), 1, merged)
	recorder.ObserveHistogram(ctx, DurationName(operation), float64(time.Since(startedAt).Milliseconds()), CloneTags(merged))
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}
