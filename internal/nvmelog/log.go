// Package nvmelog is the allocator's internal log sink: a level-gated
// wrapper around log/slog that can be pointed at stdout, a file, or the
// local syslog daemon. No third-party structured-logging library appears
// anywhere in the corpus this driver is modeled on, so this package builds
// directly on the standard library the way the rest of the ecosystem
// around it does.
package nvmelog

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"sync"
	"sync/atomic"
)

// Level mirrors the reference driver's eight-level severity scale.
type Level int32

const (
	LevelEmerg Level = iota
	LevelAlert
	LevelCrit
	LevelErr
	LevelWarning
	LevelNotice
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelEmerg:
		return "EMERG"
	case LevelAlert:
		return "ALERT"
	case LevelCrit:
		return "CRIT"
	case LevelErr:
		return "ERR"
	case LevelWarning:
		return "WARNING"
	case LevelNotice:
		return "NOTICE"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Facility selects where log output is sent.
type Facility int32

const (
	FacilityStdout Facility = iota
	FacilityFile
	FacilitySyslog
)

// handlerOpts lets every record through the slog handler; severity
// filtering is done by Sink.log against the Sink's own level.
var handlerOpts = &slog.HandlerOptions{Level: slog.LevelDebug}

// Sink is a level-gated, facility-switchable logger. The zero value is not
// ready for use; construct with New.
type Sink struct {
	level  atomic.Int32
	mu     sync.Mutex
	logger *slog.Logger
	file   *os.File
	sysW   *syslog.Writer
}

// New creates a Sink writing to stdout at LevelNotice, the reference
// driver's documented default level.
func New() *Sink {
	s := &Sink{}
	s.level.Store(int32(LevelNotice))
	s.setStdout()
	return s
}

// SetLevel adjusts the minimum severity that reaches the underlying
// facility. Safe to call concurrently with logging calls.
func (s *Sink) SetLevel(l Level) {
	s.level.Store(int32(l))
}

// Level returns the current minimum severity.
func (s *Sink) Level() Level {
	return Level(s.level.Load())
}

// SetFacility switches the output destination. On failure to open the
// requested facility (file creation error, syslog daemon unreachable) the
// sink falls back to stdout and the error is returned for the caller to
// log/report, matching the reference driver's nvme_log_set behavior.
func (s *Sink) SetFacility(f Facility, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f {
	case FacilityFile:
		file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.setStdoutLocked()
			return fmt.Errorf("open log file %q: %w", filePath, err)
		}
		s.closeCurrentLocked()
		s.file = file
		s.logger = slog.New(slog.NewTextHandler(file, handlerOpts))
		return nil

	case FacilitySyslog:
		w, err := syslog.New(syslog.LOG_NOTICE|syslog.LOG_USER, "nvmemem")
		if err != nil {
			s.setStdoutLocked()
			return fmt.Errorf("open syslog: %w", err)
		}
		s.closeCurrentLocked()
		s.sysW = w
		s.logger = slog.New(slog.NewTextHandler(w, handlerOpts))
		return nil

	default:
		s.closeCurrentLocked()
		s.setStdoutLocked()
		return nil
	}
}

func (s *Sink) setStdout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStdoutLocked()
}

func (s *Sink) setStdoutLocked() {
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
}

func (s *Sink) closeCurrentLocked() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if s.sysW != nil {
		s.sysW.Close()
		s.sysW = nil
	}
}

// Close releases any open file or syslog connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCurrentLocked()
	return nil
}

// slogLevel maps our eight-level severity scale onto slog's four-level
// scale, preserving ordering so the level gate still works as a threshold.
func slogLevel(l Level) slog.Level {
	switch {
	case l <= LevelCrit:
		return slog.Level(12) // more severe than slog.LevelError
	case l <= LevelErr:
		return slog.LevelError
	case l <= LevelWarning:
		return slog.LevelWarn
	case l <= LevelNotice:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func (s *Sink) log(l Level, msg string, args ...any) {
	if l > Level(s.level.Load()) {
		return
	}
	s.mu.Lock()
	logger := s.logger
	s.mu.Unlock()
	logger.Log(context.Background(), slogLevel(l), msg, append([]any{"nvmemem_level", l.String()}, args...)...)
}

func (s *Sink) Emerg(msg string, args ...any)   { s.log(LevelEmerg, msg, args...) }
func (s *Sink) Alert(msg string, args ...any)   { s.log(LevelAlert, msg, args...) }
func (s *Sink) Crit(msg string, args ...any)    { s.log(LevelCrit, msg, args...) }
func (s *Sink) Err(msg string, args ...any)     { s.log(LevelErr, msg, args...) }
func (s *Sink) Warning(msg string, args ...any) { s.log(LevelWarning, msg, args...) }
func (s *Sink) Notice(msg string, args ...any)  { s.log(LevelNotice, msg, args...) }
func (s *Sink) Info(msg string, args ...any)    { s.log(LevelInfo, msg, args...) }
func (s *Sink) Debug(msg string, args ...any)   { s.log(LevelDebug, msg, args...) }
