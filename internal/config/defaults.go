package config

import (
	"runtime"
	"time"
)

// Default values applied by ApplyDefaults.
const (
	DefaultAddress                 = "0.0.0.0:8885"
	DefaultStrategy                = StrategyThreadPool
	DefaultWorkers                 = 20
	DefaultBacklog                 = 50
	DefaultMaxHeaderBytes          = 64 << 10
	DefaultMetricsAddress          = "127.0.0.1:9090"
	DefaultWorkerReadyTimeout      = 10 * time.Second
	DefaultGracefulShutdownTimeout = 30 * time.Second
)

// DefaultConfig returns a complete configuration serving documentRoot with the
// default thread-pool strategy.
func DefaultConfig(documentRoot string) *Config {
	cfg := &Config{Files: &FilesConfig{DocumentRoot: documentRoot}}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in every unset field. Explicit values, including explicit
// false booleans, are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	if s.Address == nil || *s.Address == "" {
		addr := DefaultAddress
		s.Address = &addr
	}
	if s.Strategy == "" {
		s.Strategy = DefaultStrategy
	}
	if s.Workers == 0 {
		s.Workers = DefaultWorkers
		if s.Strategy == StrategyPrefork && runtime.NumCPU() < s.Workers {
			s.Workers = runtime.NumCPU()
		}
	}
	if s.Backlog == 0 {
		s.Backlog = DefaultBacklog
	}
	if s.MaxHeaderBytes == 0 {
		s.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if s.AcceptRate > 0 && s.AcceptBurst == 0 {
		s.AcceptBurst = int(s.AcceptRate) + 1
	}

	if cfg.Files == nil {
		cfg.Files = &FilesConfig{DocumentRoot: "."}
	}
	if cfg.Files.ServeDirectoryListing == nil {
		cfg.Files.ServeDirectoryListing = boolPtr(true)
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}
	if len(cfg.Routing.Routes) == 0 {
		cfg.Routing.Routes = []Route{{
			PathPattern: "/",
			MatchType:   MatchTypePrefix,
			HandlerType: HandlerTypeFileServer,
		}}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = LogLevelInfo
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == "" {
		l.ErrorLog.Target = "stderr"
	}
	if l.ErrorLog.Format == "" {
		l.ErrorLog.Format = "json"
	}
	if l.AccessLog == nil {
		l.AccessLog = &AccessLogConfig{}
	}
	if l.AccessLog.Enabled == nil {
		l.AccessLog.Enabled = boolPtr(true)
	}
	if l.AccessLog.Target == "" {
		l.AccessLog.Target = "stdout"
	}
	if l.AccessLog.Format == "" {
		l.AccessLog.Format = "json"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Enabled == nil {
		cfg.Metrics.Enabled = boolPtr(false)
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = DefaultMetricsAddress
	}
}

func boolPtr(b bool) *bool { return &b }
