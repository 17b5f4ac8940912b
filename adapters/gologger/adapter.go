package gologger

import (
	"io"
	"os"
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// ToJobProvider maps a glog provider to the go-job logger provider contract.
func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

// ToJobLogger maps a glog logger to the go-job logger contract.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves glog logger/provider then returns equivalent go-job adapters.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}

// NewRoot builds the root glog logger for the service. Format is "json",
// "text" (or "console") or "pretty"; anything else logs JSON. Named children
// come from GetLogger on the returned logger.
func NewRoot(name, level, format string, w io.Writer, opts ...glog.Option) *glog.BaseLogger {
	if w == nil {
		w = os.Stderr
	}
	options := []glog.Option{
		glog.WithName(name),
		glog.WithLevel(strings.TrimSpace(level)),
		glog.WithWriter(w),
		glog.WithExitFunc(os.Exit),
		loggerType(format),
	}
	return glog.NewLogger(append(options, opts...)...)
}

func loggerType(format string) glog.Option {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", glog.LoggerTypeConsole:
		return glog.WithLoggerTypeConsole()
	case glog.LoggerTypePretty:
		return glog.WithLoggerTypePretty()
	default:
		return glog.WithLoggerTypeJSON()
	}
}

var (
	_ glog.Logger         = (*glog.BaseLogger)(nil)
	_ glog.FieldsLogger   = (*glog.BaseLogger)(nil)
	_ glog.LoggerProvider = (*glog.BaseLogger)(nil)
)
