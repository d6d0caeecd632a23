// Command httpfs serves, accepts and deletes files under a document root
// over HTTP/1.0, driven by a configuration file.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"example.com/httpfs/internal/app"
	"example.com/httpfs/internal/config"
	"example.com/httpfs/internal/logger"
)

// options holds command-line overrides applied on top of the loaded file.
type options struct {
	configPath string
	address    string
	root       string
	strategy   string
	workers    int
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("httpfs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "Path to the configuration file (JSON, TOML or YAML)")
	fs.StringVar(&o.address, "addr", "", "Listen address, overrides server.address")
	fs.StringVar(&o.root, "root", "", "Document root, overrides files.document_root")
	fs.StringVar(&o.strategy, "strategy", "", "Dispatch strategy: threadpool or prefork")
	fs.IntVar(&o.workers, "workers", 0, "Number of pool goroutines or worker processes")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.configPath == "" && o.root == "" {
		return nil, errors.New("either -config or -root must be given")
	}
	return o, nil
}

// buildConfig loads the configuration file, if any, and applies overrides.
func buildConfig(o *options) (*config.Config, error) {
	var cfg *config.Config
	if o.configPath != "" {
		absPath, err := filepath.Abs(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", o.configPath, err)
		}
		cfg, err = config.LoadConfig(absPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig(o.root)
	}

	if o.address != "" {
		addr := o.address
		cfg.Server.Address = &addr
	}
	if o.root != "" {
		root, err := filepath.Abs(o.root)
		if err != nil {
			return nil, fmt.Errorf("resolving document root %s: %w", o.root, err)
		}
		cfg.Files.DocumentRoot = root
	}
	if o.strategy != "" {
		cfg.Server.Strategy = config.DispatchStrategy(o.strategy)
	}
	if o.workers > 0 {
		cfg.Server.Workers = o.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(args []string, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := buildConfig(o)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer lg.CloseLogFiles()

	a, err := app.New(cfg, lg, nil)
	if err != nil {
		lg.Error("Failed to initialize server", logger.LogFields{"error": err.Error()})
		return 1
	}

	lg.Info("Starting httpfs", logger.LogFields{
		"address":  *cfg.Server.Address,
		"root":     cfg.Files.DocumentRoot,
		"strategy": string(cfg.Server.Strategy),
		"workers":  cfg.Server.Workers,
	})
	if err := a.Start(); err != nil {
		lg.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		return 1
	}
	lg.Info("Server shut down gracefully")
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}
