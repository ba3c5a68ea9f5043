// Package plog is a thin, level-gated wrapper around the standard logger,
// the idiomatic-Go analogue of log.c's glib-handler-based severity gating.
package plog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Severity mirrors glib's ordering, highest-priority first.
type Severity int

const (
	Error Severity = iota
	Critical
	Warning
	Message
	Info
	Debug
)

// Logger gates messages against a verbosity level 0..10, matching
// preload_log's "log_level <= ERROR << preload_log_level" rule: higher
// verbosity lets lower-priority (larger Severity value) messages through.
type Logger struct {
	mu    sync.Mutex
	out   *log.Logger
	level int
}

// New creates a Logger writing to w at the given verbosity (0..10).
func New(w io.Writer, level int) *Logger {
	return &Logger{out: log.New(w, "", log.LstdFlags), level: level}
}

// SetLevel adjusts the verbosity threshold, e.g. on SIGHUP reload.
func (l *Logger) SetLevel(level int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) log(sev Severity, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(sev) > l.level {
		return
	}
	l.out.Printf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{})    { l.log(Error, format, args...) }
func (l *Logger) Criticalf(format string, args ...interface{}) { l.log(Critical, format, args...) }
func (l *Logger) Warningf(format string, args ...interface{})  { l.log(Warning, format, args...) }
func (l *Logger) Messagef(format string, args ...interface{})  { l.log(Message, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})     { l.log(Info, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{})    { l.log(Debug, format, args...) }

// Fatalf logs at Error severity unconditionally and exits the process,
// mirroring a G_LOG_FLAG_FATAL message.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.mu.Lock()
	l.out.Printf(format, args...)
	l.out.Printf("Exiting")
	l.mu.Unlock()
	os.Exit(1)
}

// Reopen redirects subsequent output to a freshly (re)opened logfile,
// the Go analogue of preload_log_reopen's dup2 dance: instead of
// redirecting file descriptors 1/2, it swaps the Logger's io.Writer.
func (l *Logger) Reopen(logfile string) error {
	if logfile == "" {
		return nil
	}
	f, err := os.OpenFile(logfile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("cannot reopen %s: %w", logfile, err)
	}
	l.mu.Lock()
	l.out.SetOutput(f)
	l.mu.Unlock()
	return nil
}
