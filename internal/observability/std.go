package observability

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// StdLogger writes structured lines through a standard library logger.
type StdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger builds a logger writing to stdout with microsecond timestamps.
// Debug lines are suppressed unless debug is set.
func NewStdLogger(prefix string, debug bool) *StdLogger {
	return &StdLogger{
		logger: log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds),
		debug:  debug,
	}
}

// Debug logs at debug level when enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.write("DEBUG", msg, fields)
}

// Info logs at info level.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.write("INFO", msg, fields)
}

// Warn logs at warn level.
func (l *StdLogger) Warn(msg string, fields ...Field) {
	l.write("WARN", msg, fields)
}

// Error logs at error level.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.write("ERROR", msg, fields)
}

func (l *StdLogger) write(level, msg string, fields []Field) {
	if l == nil || l.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		fmt.Fprintf(&b, "%v", f.Value)
	}
	l.logger.Print(b.String())
}

var _ Logger = (*StdLogger)(nil)
