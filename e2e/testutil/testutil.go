// Package testutil starts the httpfs binary as a subprocess for end-to-end
// tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	rawclient "example.com/httpfs/internal/testutil"
)

// BinaryEnvKey names a prebuilt server binary to use instead of building one.
const BinaryEnvKey = "HTTPFS_E2E_BINARY"

// lockedBuffer collects process output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ServerInstance encapsulates details of a running test server.
type ServerInstance struct {
	Cmd        *exec.Cmd
	Address    string
	ConfigPath string
	Logs       *lockedBuffer

	waitDone chan struct{}
	waitErr  error
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig writes configData to a temporary file in dir as JSON, TOML
// or YAML and returns its path.
func WriteTempConfig(dir string, configData interface{}, format string) (string, error) {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
	case "yaml":
		data, err = yaml.Marshal(configData)
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	f, err := os.CreateTemp(dir, "httpfs-*."+strings.ToLower(format))
	if err != nil {
		return "", fmt.Errorf("failed to create temp config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write temp config file: %w", err)
	}
	return f.Name(), f.Close()
}

// ModuleRoot returns the repository root, found relative to this file.
func ModuleRoot() (string, error) {
	_, currentFile, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get current file path")
	}
	return filepath.Join(filepath.Dir(currentFile), "..", ".."), nil
}

// BuildServerBinary returns the binary named by BinaryEnvKey, or builds
// ./cmd/httpfs into outDir.
func BuildServerBinary(outDir string) (string, error) {
	if p := os.Getenv(BinaryEnvKey); p != "" {
		return p, nil
	}
	root, err := ModuleRoot()
	if err != nil {
		return "", err
	}
	out := filepath.Join(outDir, "httpfs")
	cmd := exec.Command("go", "build", "-o", out, "./cmd/httpfs")
	cmd.Dir = root
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("go build failed: %w\n%s", err, output)
	}
	return out, nil
}

// StartTestServer launches serverBinaryPath with -config configFile and waits
// until address accepts connections.
func StartTestServer(serverBinaryPath, configFile, address string, extraArgs ...string) (*ServerInstance, error) {
	if serverBinaryPath == "" || configFile == "" || address == "" {
		return nil, fmt.Errorf("binary, config file and address are required")
	}

	args := append([]string{"-config", configFile}, extraArgs...)
	cmd := exec.Command(serverBinaryPath, args...)
	logs := &lockedBuffer{}
	cmd.Stdout = logs
	cmd.Stderr = logs

	instance := &ServerInstance{
		Cmd:        cmd,
		Address:    address,
		ConfigPath: configFile,
		Logs:       logs,
		waitDone:   make(chan struct{}),
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server process '%s': %w", serverBinaryPath, err)
	}
	go func() {
		instance.waitErr = cmd.Wait()
		close(instance.waitDone)
	}()

	if err := rawclient.WaitForListener(address, 10*time.Second); err != nil {
		_ = instance.Stop()
		return nil, fmt.Errorf("%w. Logs captured:\n%s", err, logs.String())
	}
	return instance, nil
}

// Exited reports whether the server process has exited.
func (s *ServerInstance) Exited() bool {
	select {
	case <-s.waitDone:
		return true
	default:
		return false
	}
}

// Stop sends SIGTERM, falls back to SIGKILL after ten seconds and returns the
// process exit error.
func (s *ServerInstance) Stop() error {
	if !s.Exited() {
		_ = s.Cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-s.waitDone:
		case <-time.After(10 * time.Second):
			_ = s.Cmd.Process.Kill()
			<-s.waitDone
		}
	}
	return s.waitErr
}
