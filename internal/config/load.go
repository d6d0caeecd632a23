package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format identifies a configuration file syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig reads, parses, defaults and validates the configuration file at path.
// Relative document roots and MIME type files are resolved against the directory
// containing the configuration file.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, &ConfigError{Message: "configuration file path cannot be empty"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to read configuration file", Err: err}
	}

	cfg, err := ParseConfig(data, DetectFormat(path, data))
	if err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to parse configuration file", Err: err}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to resolve configuration file path", Err: err}
	}
	ApplyDefaults(cfg)
	cfg.ResolveRelativePaths(filepath.Dir(absPath))

	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{FilePath: path, Message: "invalid configuration", Err: err}
	}
	return cfg, nil
}

// DetectFormat picks a format from the file extension, falling back to sniffing
// the content for unknown extensions.
func DetectFormat(path string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".toml":
		return FormatTOML
	case ".yaml", ".yml":
		return FormatYAML
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	var probe map[string]interface{}
	if _, err := toml.Decode(string(data), &probe); err == nil {
		return FormatTOML
	}
	return FormatYAML
}

// ParseConfig decodes data in the given format without applying defaults.
func ParseConfig(data []byte, format Format) (*Config, error) {
	cfg := &Config{}
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("toml: unknown keys %v", undecoded)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported configuration format %q", format)
	}
	return cfg, nil
}

// ResolveRelativePaths makes file paths in the configuration absolute relative to baseDir.
func (c *Config) ResolveRelativePaths(baseDir string) {
	if c.Files != nil {
		if c.Files.DocumentRoot != "" && !filepath.IsAbs(c.Files.DocumentRoot) {
			c.Files.DocumentRoot = filepath.Join(baseDir, c.Files.DocumentRoot)
		}
		if c.Files.MimeTypesPath != nil && *c.Files.MimeTypesPath != "" && !filepath.IsAbs(*c.Files.MimeTypesPath) {
			p := filepath.Join(baseDir, *c.Files.MimeTypesPath)
			c.Files.MimeTypesPath = &p
		}
	}
	if c.Logging != nil {
		if c.Logging.AccessLog != nil && IsFilePath(c.Logging.AccessLog.Target) && !filepath.IsAbs(c.Logging.AccessLog.Target) {
			c.Logging.AccessLog.Target = filepath.Join(baseDir, c.Logging.AccessLog.Target)
		}
		if c.Logging.ErrorLog != nil && IsFilePath(c.Logging.ErrorLog.Target) && !filepath.IsAbs(c.Logging.ErrorLog.Target) {
			c.Logging.ErrorLog.Target = filepath.Join(baseDir, c.Logging.ErrorLog.Target)
		}
	}
}

// Validate checks struct-level constraints and the cross-field rules that
// tags cannot express. It expects defaults to have been applied.
func (c *Config) Validate() error {
	if c.Server == nil || c.Files == nil || c.Logging == nil {
		return fmt.Errorf("server, files and logging sections are required")
	}
	if err := validate.Struct(c); err != nil {
		return err
	}

	if _, _, err := net.SplitHostPort(*c.Server.Address); err != nil {
		return fmt.Errorf("server.address %q is not a host:port pair: %w", *c.Server.Address, err)
	}
	if c.Server.Workers < 1 {
		return fmt.Errorf("server.workers must be at least 1, got %d", c.Server.Workers)
	}
	for name, s := range map[string]*string{
		"server.worker_ready_timeout":      c.Server.WorkerReadyTimeout,
		"server.graceful_shutdown_timeout": c.Server.GracefulShutdownTimeout,
	} {
		if s == nil || *s == "" {
			continue
		}
		if d, err := time.ParseDuration(*s); err != nil || d <= 0 {
			return fmt.Errorf("%s %q must be a positive duration", name, *s)
		}
	}

	if !filepath.IsAbs(c.Files.DocumentRoot) {
		return fmt.Errorf("files.document_root %q must be an absolute path", c.Files.DocumentRoot)
	}

	if c.Routing != nil {
		for i, r := range c.Routing.Routes {
			switch r.HandlerType {
			case HandlerTypeFileServer:
			case HandlerTypeRedirect:
				if r.Target == "" {
					return fmt.Errorf("routing.routes[%d]: Redirect route %q needs a target", i, r.PathPattern)
				}
			default:
				return fmt.Errorf("routing.routes[%d]: unknown handler_type %q", i, r.HandlerType)
			}
		}
	}

	for name, target := range map[string]string{
		"logging.access_log.target": accessTarget(c.Logging),
		"logging.error_log.target":  errorTarget(c.Logging),
	} {
		if IsFilePath(target) && !filepath.IsAbs(target) {
			return fmt.Errorf("%s %q must be stdout, stderr or an absolute file path", name, target)
		}
	}

	if c.Metrics.IsEnabled() {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			return fmt.Errorf("metrics.address %q is not a host:port pair: %w", c.Metrics.Address, err)
		}
	}
	return nil
}

func accessTarget(l *LoggingConfig) string {
	if l.AccessLog == nil {
		return ""
	}
	return l.AccessLog.Target
}

func errorTarget(l *LoggingConfig) string {
	if l.ErrorLog == nil {
		return ""
	}
	return l.ErrorLog.Target
}
