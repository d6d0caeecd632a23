package logger

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"example.com/httpfs/internal/config"
)

// LogFields carries structured key/value pairs attached to a log entry.
type LogFields map[string]interface{}

// AccessEntry describes one served request for the access log.
type AccessEntry struct {
	RequestID  string
	RemoteAddr string
	Method     string
	Path       string
	Protocol   string
	Status     int
	Bytes      int64
	Duration   time.Duration
}

// logSink is a log destination that can be reopened in place when it is a file.
type logSink struct {
	mu     sync.Mutex
	target string
	w      io.Writer
	file   *os.File
}

func openSink(target string) (*logSink, error) {
	switch target {
	case "", "stderr":
		return &logSink{target: "stderr", w: os.Stderr}, nil
	case "stdout":
		return &logSink{target: "stdout", w: os.Stdout}, nil
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
	}
	return &logSink{target: target, w: f, file: f}, nil
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *logSink) reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	_ = s.file.Close()
	f, err := os.OpenFile(s.target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		// Keep logging somewhere rather than writing into a closed file.
		s.w, s.file = os.Stderr, nil
		return fmt.Errorf("failed to reopen log file %s: %w", s.target, err)
	}
	s.w, s.file = f, f
	return nil
}

func (s *logSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.w, s.file = io.Discard, nil
	return err
}

// Logger writes structured error-log entries and, when enabled, access-log entries.
// Child loggers returned by With share the parent's destinations.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog *zerolog.Logger
	sinks     []*logSink
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	l := &Logger{}

	errorTarget, errorFormat := "stderr", "json"
	if cfg.ErrorLog != nil {
		errorTarget, errorFormat = cfg.ErrorLog.Target, cfg.ErrorLog.Format
	}
	errSink, err := openSink(errorTarget)
	if err != nil {
		return nil, err
	}
	l.sinks = append(l.sinks, errSink)
	l.errorLog = zerolog.New(formatWriter(errSink, errorFormat)).
		Level(zerologLevel(cfg.LogLevel)).
		With().Timestamp().Logger()

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		target := cfg.AccessLog.Target
		if target == "" {
			target = "stdout"
		}
		accessSink, err := openSink(target)
		if err != nil {
			l.CloseLogFiles()
			return nil, err
		}
		l.sinks = append(l.sinks, accessSink)
		al := zerolog.New(formatWriter(accessSink, cfg.AccessLog.Format)).
			With().Timestamp().Str("log", "access").Logger()
		l.accessLog = &al
	}
	return l, nil
}

// NewTestLogger returns a logger that writes every level and all access
// entries as JSON lines to out.
func NewTestLogger(out io.Writer) *Logger {
	sink := &logSink{target: "test", w: out}
	el := zerolog.New(sink).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	al := zerolog.New(sink).With().Timestamp().Str("log", "access").Logger()
	return &Logger{errorLog: el, accessLog: &al, sinks: []*logSink{sink}}
}

func formatWriter(w io.Writer, format string) io.Writer {
	if format == "console" {
		return zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	}
	return w
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger that adds fields to every error-log entry.
func (l *Logger) With(fields LogFields) *Logger {
	child := *l
	child.errorLog = l.errorLog.With().Fields(map[string]interface{}(fields)).Logger()
	return &child
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		ev = ev.Fields(map[string]interface{}(f))
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.emit(l.errorLog.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	l.emit(l.errorLog.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.emit(l.errorLog.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	l.emit(l.errorLog.Error(), msg, fields)
}

// AccessEnabled reports whether Access writes anything.
func (l *Logger) AccessEnabled() bool {
	return l.accessLog != nil
}

// Access writes one access-log entry. It is a no-op when access logging is disabled.
func (l *Logger) Access(e AccessEntry) {
	if l.accessLog == nil {
		return
	}
	host, port, err := net.SplitHostPort(e.RemoteAddr)
	if err != nil {
		host, port = e.RemoteAddr, ""
	}
	ev := l.accessLog.Log().
		Str("remote_addr", host).
		Str("method", e.Method).
		Str("uri", e.Path).
		Int("status", e.Status).
		Int64("resp_bytes", e.Bytes).
		Str("resp_size", humanize.Bytes(uint64(max(e.Bytes, 0)))).
		Int64("duration_ms", e.Duration.Milliseconds())
	if port != "" {
		ev = ev.Str("remote_port", port)
	}
	if e.Protocol != "" {
		ev = ev.Str("protocol", e.Protocol)
	}
	if e.RequestID != "" {
		ev = ev.Str("request_id", e.RequestID)
	}
	ev.Send()
}

// CloseLogFiles closes any open log files.
// This would be called during server shutdown.
func (l *Logger) CloseLogFiles() {
	for _, s := range l.sinks {
		_ = s.close()
	}
}

// ReopenLogFiles closes and reopens file-based log targets, for use after
// external log rotation (SIGHUP).
func (l *Logger) ReopenLogFiles() error {
	var firstErr error
	for _, s := range l.sinks {
		if err := s.reopen(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
