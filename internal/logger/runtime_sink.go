package logger

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Severity is the level attached to a line of the inference runtime's own log stream.
type Severity int

const (
	SeverityVerbose Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityFatal
)

var severityNames = [...]string{
	"verbose",
	"info",
	"warning",
	"error",
	"fatal",
}

func (s Severity) String() string {
	if s < SeverityVerbose || s > SeverityFatal {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// Sink receives the inference runtime's internal log stream.
type Sink func(severity Severity, message string)

// RawSink writes "[severity] message" lines to w. It is the debug-output
// channel for runtime diagnostics and is safe for concurrent use.
func RawSink(w io.Writer) Sink {
	var mu sync.Mutex
	return func(severity Severity, message string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "[%s] %s\n", severity, message)
	}
}

// ZapSink forwards the runtime log stream to a structured logger.
func ZapSink(log *zap.Logger) Sink {
	return func(severity Severity, message string) {
		if ce := log.Check(zapLevel(severity), message); ce != nil {
			ce.Write(zap.Stringer("severity", severity))
		}
	}
}

// Tee fans a runtime log line out to every non-nil sink.
func Tee(sinks ...Sink) Sink {
	return func(severity Severity, message string) {
		for _, s := range sinks {
			if s != nil {
				s(severity, message)
			}
		}
	}
}

func zapLevel(s Severity) zapcore.Level {
	switch s {
	case SeverityVerbose:
		return zapcore.DebugLevel
	case SeverityInfo:
		return zapcore.InfoLevel
	case SeverityWarning:
		return zapcore.WarnLevel
	default:
		// fatal runtime lines must not terminate the process
		return zapcore.ErrorLevel
	}
}
