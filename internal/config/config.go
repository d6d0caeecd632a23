package config

import (
	"fmt"
	"time"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches any path starting with the prefix.
	MatchTypePrefix MatchType = "Prefix"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// DispatchStrategy selects how accepted connections are assigned to workers.
type DispatchStrategy string

const (
	// StrategyThreadPool runs one accept loop and hands each connection to a bounded goroutine pool.
	StrategyThreadPool DispatchStrategy = "threadpool"
	// StrategyPrefork starts worker processes that all accept on one inherited listening socket.
	StrategyPrefork DispatchStrategy = "prefork"
)

// Handler type names understood by the router.
const (
	HandlerTypeFileServer = "FileServer"
	HandlerTypeRedirect   = "Redirect"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty" yaml:"server,omitempty"`
	Files   *FilesConfig   `json:"files,omitempty" toml:"files,omitempty" yaml:"files,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty" yaml:"routing,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty" yaml:"logging,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty" toml:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// ServerConfig holds listener and dispatch settings.
type ServerConfig struct {
	Address  *string          `json:"address,omitempty" toml:"address,omitempty" yaml:"address,omitempty" validate:"required"`
	Strategy DispatchStrategy `json:"strategy,omitempty" toml:"strategy,omitempty" yaml:"strategy,omitempty" validate:"omitempty,oneof=threadpool prefork"`
	Workers  int              `json:"workers,omitempty" toml:"workers,omitempty" yaml:"workers,omitempty" validate:"min=0,max=1024"`
	Backlog  int              `json:"backlog,omitempty" toml:"backlog,omitempty" yaml:"backlog,omitempty" validate:"min=0"`

	MaxHeaderBytes int     `json:"max_header_bytes,omitempty" toml:"max_header_bytes,omitempty" yaml:"max_header_bytes,omitempty" validate:"min=0"`
	AcceptRate     float64 `json:"accept_rate,omitempty" toml:"accept_rate,omitempty" yaml:"accept_rate,omitempty" validate:"min=0"`
	AcceptBurst    int     `json:"accept_burst,omitempty" toml:"accept_burst,omitempty" yaml:"accept_burst,omitempty" validate:"min=0"`

	ExecutablePath          *string `json:"executable_path,omitempty" toml:"executable_path,omitempty" yaml:"executable_path,omitempty"`
	WorkerReadyTimeout      *string `json:"worker_ready_timeout,omitempty" toml:"worker_ready_timeout,omitempty" yaml:"worker_ready_timeout,omitempty"`                // e.g., "10s"
	GracefulShutdownTimeout *string `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty" yaml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
}

// FilesConfig configures the sandboxed file handlers.
type FilesConfig struct {
	DocumentRoot          string            `json:"document_root" toml:"document_root" yaml:"document_root" validate:"required"`
	ServeDirectoryListing *bool             `json:"serve_directory_listing,omitempty" toml:"serve_directory_listing,omitempty" yaml:"serve_directory_listing,omitempty"`
	MimeTypes             map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty" yaml:"mime_types,omitempty" validate:"omitempty,dive,keys,startswith=.,endkeys,required"`
	MimeTypesPath         *string           `json:"mime_types_path,omitempty" toml:"mime_types_path,omitempty" yaml:"mime_types_path,omitempty"`
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty" yaml:"routes,omitempty" validate:"dive"`
}

// Route defines a single routing rule.
// Target is only meaningful for the Redirect handler type.
type Route struct {
	PathPattern string    `json:"path_pattern" toml:"path_pattern" yaml:"path_pattern" validate:"required,startswith=/"`
	MatchType   MatchType `json:"match_type" toml:"match_type" yaml:"match_type" validate:"required,oneof=Exact Prefix"`
	HandlerType string    `json:"handler_type" toml:"handler_type" yaml:"handler_type" validate:"required"`
	Target      string    `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty" yaml:"log_level,omitempty" validate:"omitempty,oneof=DEBUG INFO WARNING ERROR"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty" yaml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty" yaml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Target  string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format  string `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=json console"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format string `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=json console"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Address string `json:"address,omitempty" toml:"address,omitempty" yaml:"address,omitempty"`
}

// ConfigError describes a failure to load or validate configuration.
type ConfigError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.FilePath != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.FilePath)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "" && target != "stdout" && target != "stderr"
}

// ListingEnabled reports whether GET on a directory path returns a listing.
func (f *FilesConfig) ListingEnabled() bool {
	return f.ServeDirectoryListing == nil || *f.ServeDirectoryListing
}

// IsEnabled reports whether metrics are collected and exposed.
func (m *MetricsConfig) IsEnabled() bool {
	return m != nil && m.Enabled != nil && *m.Enabled
}

// WorkerReadyTimeoutDuration returns the parsed worker readiness timeout.
func (s *ServerConfig) WorkerReadyTimeoutDuration() time.Duration {
	return parseDurationOr(s.WorkerReadyTimeout, DefaultWorkerReadyTimeout)
}

// GracefulShutdownTimeoutDuration returns the parsed graceful shutdown timeout.
func (s *ServerConfig) GracefulShutdownTimeoutDuration() time.Duration {
	return parseDurationOr(s.GracefulShutdownTimeout, DefaultGracefulShutdownTimeout)
}

func parseDurationOr(s *string, fallback time.Duration) time.Duration {
	if s == nil || *s == "" {
		return fallback
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fallback
	}
	return d
}
