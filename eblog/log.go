// Package eblog provides the small, level-suppressible logger used
// throughout the engine for operational narration. It never terminates
// the process: callers that need to fail do so by returning an error,
// not by going through the logger.
package eblog

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
)

// Logger writes leveled, timestamp-free operational messages. Debug and
// Verbose output may each be independently suppressed; Warning and
// Error are always emitted. A nil *Logger is valid and behaves as if
// Debug and Verbose were suppressed and Warning/Error went to stderr.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	debug   io.Writer
	verbose io.Writer
	warning io.Writer
	err     io.Writer
}

// New returns a Logger with debug and/or verbose output enabled as
// requested; warnings and errors always go to stderr.
func New(verbose, debug bool) *Logger {
	l := &Logger{warning: os.Stderr, err: os.Stderr}
	if verbose {
		l.verbose = os.Stderr
	}
	if debug {
		l.debug = os.Stderr
	}
	return l
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil || l.debug == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.debug, format(f, args...))
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil || l.verbose == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.verbose, format(f, args...))
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.warning, format(f, args...))
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.NErrors++
	fmt.Fprint(l.err, format(f, args...))
}

// Check records an internal invariant assertion. It does not exit the
// process: a failed Check logs an error and returns false, so call
// sites that are behind a returned-error boundary anyway can still
// short-circuit ("this would be a bug in this package, not a storage
// fault"). It must never be used on the primary data-validation path,
// where a typed error (see the errs package) is required instead.
func (l *Logger) Check(v bool, msg ...interface{}) bool {
	if v {
		return true
	}
	if len(msg) == 0 {
		l.Error("invariant check failed")
	} else {
		f := msg[0].(string)
		l.Error(f, msg[1:]...)
	}
	return false
}

func format(f string, args ...interface{}) string {
	_, fn, line, _ := runtime.Caller(2)
	fnline := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	s := fmt.Sprintf("%-28s: ", fnline)
	s += fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}

// FmtBytes renders a byte count in human-scaled units (B/kiB/MiB/GiB/TiB).
func FmtBytes(n int64) string {
	switch {
	case n >= 1<<40:
		return fmt.Sprintf("%.2f TiB", float64(n)/float64(1<<40))
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GiB", float64(n)/float64(1<<30))
	case n > 1<<20:
		return fmt.Sprintf("%.2f MiB", float64(n)/float64(1<<20))
	case n > 1<<10:
		return fmt.Sprintf("%.2f kiB", float64(n)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
