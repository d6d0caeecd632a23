package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"example.com/httpfs/internal/app"
	"example.com/httpfs/internal/config"
	"example.com/httpfs/internal/logger"
)

const usage = "Usage: %s <address> <document-root> [threadpool|prefork [workers]]"

// configFromArgs builds the configuration for the positional command line.
func configFromArgs(args []string) (*config.Config, error) {
	if len(args) < 2 || len(args) > 4 {
		return nil, fmt.Errorf("expected 2 to 4 arguments, got %d", len(args))
	}
	addr := args[0]
	docRoot := args[1]
	if !filepath.IsAbs(docRoot) {
		absPath, err := filepath.Abs(docRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to convert document root to an absolute path: %w", err)
		}
		docRoot = absPath
	}

	cfg := &config.Config{
		Server: &config.ServerConfig{Address: &addr},
		Files:  &config.FilesConfig{DocumentRoot: docRoot},
	}
	if len(args) >= 3 {
		cfg.Server.Strategy = config.DispatchStrategy(args[2])
	}
	if len(args) == 4 {
		n, err := strconv.Atoi(args[3])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid worker count %q", args[3])
		}
		cfg.Server.Workers = n
	}
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(args []string, stderr io.Writer) int {
	cfg, err := configFromArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, usage+"\n%v\n", filepath.Base(os.Args[0]), err)
		return 2
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return 1
	}
	defer lg.CloseLogFiles()

	a, err := app.New(cfg, lg, nil)
	if err != nil {
		lg.Error("Failed to initialize server", logger.LogFields{"error": err.Error()})
		return 1
	}

	lg.Info("Starting server...", logger.LogFields{
		"address":  *cfg.Server.Address,
		"root":     cfg.Files.DocumentRoot,
		"strategy": string(cfg.Server.Strategy),
	})
	if err := a.Start(); err != nil {
		lg.Error("Server stopped with error", logger.LogFields{"error": err.Error()})
		return 1
	}
	lg.Info("Server shut down gracefully")
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}
