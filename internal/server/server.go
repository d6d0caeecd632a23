package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"example.com/httpfs/internal/config"
	"example.com/httpfs/internal/logger"
	"example.com/httpfs/internal/metrics"
	"example.com/httpfs/internal/util"
)

// Server owns the listening socket and runs the configured dispatch
// strategy until shut down. In a prefork worker process it serves on the
// socket inherited from the supervisor instead.
type Server struct {
	cfg     *config.Config
	log     *logger.Logger
	router  RouterInterface
	metrics metrics.ServerMetrics
	conns   *ConnHandler

	isChild     bool
	grace       time.Duration
	preforkOpts PreforkOptions

	mu         sync.RWMutex
	listener   net.Listener
	supervisor *PreforkSupervisor
	cancel     context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics records connection and request metrics in m.
func WithMetrics(m metrics.ServerMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPreforkOptions adjusts how prefork workers are executed. Workers and
// timeouts from the configuration are applied after fn runs.
func WithPreforkOptions(fn func(*PreforkOptions)) Option {
	return func(s *Server) { fn(&s.preforkOpts) }
}

// IsWorkerProcess reports whether this process was started by a prefork
// supervisor.
func IsWorkerProcess() bool {
	return os.Getenv(util.ListenFdsEnvKey) != ""
}

// NewServer creates a new Server. cfg must have defaults applied.
func NewServer(cfg *config.Config, lg *logger.Logger, router RouterInterface, opts ...Option) (*Server, error) {
	if cfg == nil || cfg.Server == nil {
		return nil, fmt.Errorf("server config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if cfg.Server.Address == nil || *cfg.Server.Address == "" {
		return nil, fmt.Errorf("server listen address (server.address) is not configured")
	}

	s := &Server{
		cfg:     cfg,
		log:     lg,
		router:  router,
		isChild: IsWorkerProcess(),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNoop()
	}
	s.conns = NewConnHandler(router, lg, s.metrics, cfg.Server.MaxHeaderBytes)

	sc := cfg.Server
	if sc.ExecutablePath != nil && s.preforkOpts.ExecutablePath == "" {
		s.preforkOpts.ExecutablePath = *sc.ExecutablePath
	}
	s.preforkOpts.Workers = sc.Workers
	s.preforkOpts.ReadyTimeout = sc.WorkerReadyTimeoutDuration()
	s.grace = sc.GracefulShutdownTimeoutDuration()
	s.preforkOpts.ShutdownTimeout = s.grace
	return s, nil
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the listening address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Supervisor returns the prefork supervisor, or nil in any other mode.
func (s *Server) Supervisor() *PreforkSupervisor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.supervisor
}

// Run listens and dispatches connections until ctx is cancelled or Shutdown
// is called. A listener that cannot be created is reported before any
// connection is accepted.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if s.isChild {
		return s.runWorker(ctx)
	}

	address := *s.cfg.Server.Address
	ln, err := util.CreateListener(address, s.cfg.Server.Backlog)
	if err != nil {
		if util.IsAddrInUse(err) {
			return fmt.Errorf("address %s already in use: %w", address, err)
		}
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	defer ln.Close()
	s.setListener(ln)
	s.log.Info("Listening", logger.LogFields{
		"address":  ln.Addr().String(),
		"strategy": string(s.cfg.Server.Strategy),
		"workers":  s.cfg.Server.Workers,
		"backlog":  s.cfg.Server.Backlog,
	})

	limiter := NewAcceptLimiter(s.cfg.Server.AcceptRate, s.cfg.Server.AcceptBurst)
	switch s.cfg.Server.Strategy {
	case config.StrategyPrefork:
		sup, err := NewPreforkSupervisor(s.preforkOpts, s.log)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.supervisor = sup
		s.mu.Unlock()
		return sup.Serve(ctx, ln)
	default:
		d := NewPoolDispatcher(s.cfg.Server.Workers, limiter, s.conns, s.log, s.grace)
		return d.Serve(ctx, ln)
	}
}

func (s *Server) runWorker(ctx context.Context) error {
	limiter := NewAcceptLimiter(s.cfg.Server.AcceptRate, s.cfg.Server.AcceptBurst)
	w := NewPreforkWorker(s.conns, limiter, s.log)
	ln, err := w.InheritListener()
	if err != nil {
		return fmt.Errorf("prefork worker: %w", err)
	}
	s.setListener(ln)
	return w.Serve(ctx, ln)
}

func (s *Server) setListener(ln net.Listener) {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

// Shutdown stops accepting and lets Run return once in-flight connections
// finish or the graceful shutdown timeout expires.
func (s *Server) Shutdown() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Start runs the server until SIGINT or SIGTERM.
func (s *Server) Start() error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	defer s.WatchSignals(ctx, stop)()
	return s.Run(ctx)
}

// WatchSignals handles process signals until ctx is done: SIGINT and SIGTERM
// call stop, SIGHUP reopens log files and is forwarded to prefork workers.
// The returned function stops signal delivery.
func (s *Server) WatchSignals(ctx context.Context, stop context.CancelFunc) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				if sig == unix.SIGHUP {
					s.log.Info("Received SIGHUP, reopening log files", nil)
					if err := s.log.ReopenLogFiles(); err != nil {
						s.log.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
					}
					if sup := s.Supervisor(); sup != nil {
						sup.Signal(unix.SIGHUP)
					}
					continue
				}
				s.log.Info("Received shutdown signal", logger.LogFields{"signal": sig.String()})
				stop()
				return
			}
		}
	}()

	return func() { signal.Stop(sigs) }
}
