package logger

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	global   = zerolog.New(os.Stderr).With().Timestamp().Logger()
	globalMu sync.RWMutex
)

// Options logger configuration
type Options struct {
	Level  string    // trace/debug/info/warn/error
	Format string    // console (default) or json
	Output io.Writer // defaults to stderr
}

// Init builds the process logger and installs it as the global one
func Init(opts Options) (zerolog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	switch strings.ToLower(opts.Format) {
	case "", "console", "text":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", opts.Format)
	}

	l := zerolog.New(out).Level(level).With().Timestamp().Logger()

	globalMu.Lock()
	global = l
	globalMu.Unlock()

	return l, nil
}

// ParseLevel parses a level name; empty means info
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q: %w", s, err)
	}
	return level, nil
}

// L returns the global logger
func L() zerolog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// LogPanic logs a recovered panic with stack trace
func LogPanic(l zerolog.Logger, r any) {
	l.Error().
		Str("panic", fmt.Sprint(r)).
		Str("stack", string(debug.Stack())).
		Msg("[PANIC] recovered")
}
