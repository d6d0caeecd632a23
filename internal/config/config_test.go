package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTempFile creates a file with the given content and extension inside a
// per-test temporary directory and returns its path.
func writeTempFile(t *testing.T, content string, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-config"+ext)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}

// Helper function to get a pointer to a string.
func strPtr(s string) *string {
	return &s
}

// checkErrorContains checks if the error is not nil and its message contains the expected substring.
func checkErrorContains(t *testing.T, err error, expectedSubstring string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected an error containing %q, but got nil", expectedSubstring)
	}
	if !strings.Contains(err.Error(), expectedSubstring) {
		t.Fatalf("Expected error message to contain %q, but got: %v", expectedSubstring, err)
	}
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	_, err := LoadConfig("")
	checkErrorContains(t, err, "configuration file path cannot be empty")
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig("non_existent_file.json")
	checkErrorContains(t, err, "failed to read configuration file")

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadConfig_ValidJSON(t *testing.T) {
	root := t.TempDir()
	content := `{"server": {"address": ":8080", "strategy": "prefork", "workers": 4},
	             "files": {"document_root": "` + root + `"}}`
	path := writeTempFile(t, content, ".json")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Server)
	assert.Equal(t, ":8080", *cfg.Server.Address)
	assert.Equal(t, StrategyPrefork, cfg.Server.Strategy)
	assert.Equal(t, 4, cfg.Server.Workers)
	assert.Equal(t, root, cfg.Files.DocumentRoot)
}

func TestLoadConfig_ValidTOML(t *testing.T) {
	content := `
[server]
address = ":8081"
backlog = 128

[files]
document_root = "www"
serve_directory_listing = false

[files.mime_types]
".md" = "text/markdown"

[[routing.routes]]
path_pattern = "/old"
match_type = "Exact"
handler_type = "Redirect"
target = "/new"
`
	path := writeTempFile(t, content, ".toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":8081", *cfg.Server.Address)
	assert.Equal(t, 128, cfg.Server.Backlog)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "www"), cfg.Files.DocumentRoot, "relative roots resolve against the config file")
	assert.False(t, cfg.Files.ListingEnabled())
	assert.Equal(t, "text/markdown", cfg.Files.MimeTypes[".md"])
	require.Len(t, cfg.Routing.Routes, 1)
	assert.Equal(t, HandlerTypeRedirect, cfg.Routing.Routes[0].HandlerType)
	assert.Equal(t, "/new", cfg.Routing.Routes[0].Target)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	content := `
server:
  address: "127.0.0.1:9000"
  workers: 3
logging:
  log_level: DEBUG
`
	path := writeTempFile(t, content, ".yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", *cfg.Server.Address)
	assert.Equal(t, 3, cfg.Server.Workers)
	assert.Equal(t, LogLevelDebug, cfg.Logging.LogLevel)
	assert.Equal(t, filepath.Dir(path), cfg.Files.DocumentRoot)
}

func TestLoadConfig_AutoDetectJSON(t *testing.T) {
	content := `{"logging": {"log_level": "DEBUG"}}`
	path := writeTempFile(t, content, ".conf") // Unknown extension

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, LogLevelDebug, cfg.Logging.LogLevel)
}

func TestLoadConfig_AutoDetectTOML(t *testing.T) {
	content := `
[logging]
log_level = "WARNING"
`
	path := writeTempFile(t, content, ".conf")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, LogLevelWarning, cfg.Logging.LogLevel)
}

func TestLoadConfig_UnknownKeysRejected(t *testing.T) {
	tests := []struct {
		name    string
		content string
		ext     string
	}{
		{"json", `{"server": {"adress": ":1"}}`, ".json"},
		{"toml", "[server]\nadress = \":1\"\n", ".toml"},
		{"yaml", "server:\n  adress: \":1\"\n", ".yml"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeTempFile(t, tc.content, tc.ext))
			checkErrorContains(t, err, "failed to parse configuration file")
		})
	}
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		contains string
	}{
		{"bad strategy", `{"server": {"strategy": "fibers"}}`, "Strategy"},
		{"bad address", `{"server": {"address": "localhost"}}`, "host:port"},
		{"bad duration", `{"server": {"graceful_shutdown_timeout": "soon"}}`, "positive duration"},
		{"bad log level", `{"logging": {"log_level": "LOUD"}}`, "LogLevel"},
		{"mime key without dot", `{"files": {"document_root": "/tmp", "mime_types": {"md": "text/markdown"}}}`, "MimeTypes"},
		{"redirect without target", `{"routing": {"routes": [{"path_pattern": "/x", "match_type": "Exact", "handler_type": "Redirect"}]}}`, "needs a target"},
		{"unknown handler", `{"routing": {"routes": [{"path_pattern": "/x", "match_type": "Exact", "handler_type": "Proxy"}]}}`, "unknown handler_type"},
		{"route without slash", `{"routing": {"routes": [{"path_pattern": "x", "match_type": "Exact", "handler_type": "FileServer"}]}}`, "PathPattern"},
		{"metrics address", `{"metrics": {"enabled": true, "address": "9090"}}`, "metrics.address"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeTempFile(t, tc.content, ".json"))
			checkErrorContains(t, err, "invalid configuration")
			checkErrorContains(t, err, tc.contains)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, DefaultAddress, *cfg.Server.Address)
	assert.Equal(t, StrategyThreadPool, cfg.Server.Strategy)
	assert.Equal(t, DefaultWorkers, cfg.Server.Workers)
	assert.Equal(t, DefaultBacklog, cfg.Server.Backlog)
	assert.Equal(t, DefaultMaxHeaderBytes, cfg.Server.MaxHeaderBytes)
	assert.True(t, cfg.Files.ListingEnabled())
	require.Len(t, cfg.Routing.Routes, 1)
	assert.Equal(t, Route{PathPattern: "/", MatchType: MatchTypePrefix, HandlerType: HandlerTypeFileServer}, cfg.Routing.Routes[0])
	assert.Equal(t, LogLevelInfo, cfg.Logging.LogLevel)
	assert.Equal(t, "stderr", cfg.Logging.ErrorLog.Target)
	assert.Equal(t, "stdout", cfg.Logging.AccessLog.Target)
	assert.True(t, *cfg.Logging.AccessLog.Enabled)
	assert.False(t, cfg.Metrics.IsEnabled())
	assert.Equal(t, DefaultWorkerReadyTimeout, cfg.Server.WorkerReadyTimeoutDuration())
	assert.Equal(t, DefaultGracefulShutdownTimeout, cfg.Server.GracefulShutdownTimeoutDuration())
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	no := false
	cfg := &Config{
		Server: &ServerConfig{
			Address:                 strPtr("127.0.0.1:1"),
			Workers:                 7,
			GracefulShutdownTimeout: strPtr("2s"),
		},
		Files:   &FilesConfig{DocumentRoot: "/srv", ServeDirectoryListing: &no},
		Logging: &LoggingConfig{AccessLog: &AccessLogConfig{Enabled: &no}},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, "127.0.0.1:1", *cfg.Server.Address)
	assert.Equal(t, 7, cfg.Server.Workers)
	assert.Equal(t, 2*time.Second, cfg.Server.GracefulShutdownTimeoutDuration())
	assert.False(t, cfg.Files.ListingEnabled())
	assert.False(t, *cfg.Logging.AccessLog.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestConfigRoundTripTOML(t *testing.T) {
	cfg := DefaultConfig("/srv/files")
	var sb strings.Builder
	require.NoError(t, toml.NewEncoder(&sb).Encode(cfg))

	parsed, err := ParseConfig([]byte(sb.String()), FormatTOML)
	require.NoError(t, err)
	ApplyDefaults(parsed)
	assert.Equal(t, cfg, parsed)
}

func TestIsFilePath(t *testing.T) {
	assert.False(t, IsFilePath("stdout"))
	assert.False(t, IsFilePath("stderr"))
	assert.False(t, IsFilePath(""))
	assert.True(t, IsFilePath("/var/log/httpfs.log"))
}

func TestLoadConfig_ShippedExample(t *testing.T) {
	path := filepath.Join("..", "..", "configs", "httpfs.toml")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	wantRoot, err := filepath.Abs(filepath.Join("..", "..", "configs", "www"))
	require.NoError(t, err)
	assert.Equal(t, wantRoot, cfg.Files.DocumentRoot)
	assert.Equal(t, StrategyThreadPool, cfg.Server.Strategy)
	assert.Equal(t, 20, cfg.Server.Workers)
	assert.Equal(t, "text/markdown", cfg.Files.MimeTypes[".md"])
	require.Len(t, cfg.Routing.Routes, 2)
	assert.Equal(t, HandlerTypeRedirect, cfg.Routing.Routes[0].HandlerType)
	assert.Equal(t, 30*time.Second, cfg.Server.GracefulShutdownTimeoutDuration())
}
