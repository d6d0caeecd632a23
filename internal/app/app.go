// Package app assembles the configured server from its parts: handler
// registry, router, metrics and dispatcher.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"example.com/httpfs/internal/config"
	"example.com/httpfs/internal/handlers/fileserver"
	"example.com/httpfs/internal/handlers/redirect"
	"example.com/httpfs/internal/logger"
	"example.com/httpfs/internal/metrics"
	"example.com/httpfs/internal/router"
	"example.com/httpfs/internal/server"
)

// App is a fully wired server process.
type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Registry *server.HandlerRegistry
	Router   *router.Router
	Server   *server.Server
	// Metrics is nil unless metrics are enabled and this process serves
	// the endpoint.
	Metrics *metrics.Server
}

// NewRegistry returns a registry with every built-in handler type.
func NewRegistry(fsys afero.Fs, files *config.FilesConfig) (*server.HandlerRegistry, error) {
	reg := server.NewHandlerRegistry()
	if err := reg.Register(config.HandlerTypeFileServer, fileserver.Factory(fsys, files)); err != nil {
		return nil, err
	}
	if err := reg.Register(config.HandlerTypeRedirect, redirect.New); err != nil {
		return nil, err
	}
	return reg, nil
}

// New wires cfg into an App serving files from fsys. A nil fsys means the
// operating system filesystem. cfg must have defaults applied.
func New(cfg *config.Config, lg *logger.Logger, fsys afero.Fs, opts ...server.Option) (*App, error) {
	if cfg == nil || cfg.Files == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	if server.IsWorkerProcess() {
		lg = lg.With(logger.LogFields{
			"worker": os.Getenv(server.WorkerIDEnvKey),
			"pid":    os.Getpid(),
		})
	}

	root := cfg.Files.DocumentRoot
	if isDir, err := afero.IsDir(fsys, root); err != nil || !isDir {
		return nil, fmt.Errorf("document root %q is not an accessible directory", root)
	}

	reg, err := NewRegistry(fsys, cfg.Files)
	if err != nil {
		return nil, err
	}
	rtr, err := router.NewRouter(cfg.Routing.Routes, reg, lg)
	if err != nil {
		return nil, fmt.Errorf("building router: %w", err)
	}

	a := &App{Config: cfg, Log: lg, Registry: reg, Router: rtr}

	if cfg.Metrics.IsEnabled() {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, server.WithMetrics(metrics.NewPrometheus(promReg)))
		switch {
		case cfg.Server.Strategy == config.StrategyPrefork:
			lg.Warn("Metrics endpoint is not served in prefork mode", logger.LogFields{"address": cfg.Metrics.Address})
		default:
			a.Metrics = metrics.NewServer(cfg.Metrics.Address, promReg, lg)
		}
	}

	a.Server, err = server.NewServer(cfg, lg, rtr, opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Run serves until ctx is cancelled, the server is shut down, or either the
// server or the metrics endpoint fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		defer cancel()
		return a.Server.Run(ctx)
	})
	if a.Metrics != nil {
		p.Go(func(ctx context.Context) error {
			return a.Metrics.Start(ctx)
		})
	}
	return p.Wait()
}

// Start runs the App with signal handling until SIGINT or SIGTERM.
func (a *App) Start() error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	defer a.Server.WatchSignals(ctx, stop)()
	return a.Run(ctx)
}
