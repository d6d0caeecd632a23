package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"example.com/httpfs/internal/config"
	"example.com/httpfs/internal/logger"
	"example.com/httpfs/internal/util"
)

// WorkerIDEnvKey carries the worker index into a prefork child.
const WorkerIDEnvKey = "HTTPFS_WORKER_ID"

// PreforkOptions configures the prefork supervisor.
type PreforkOptions struct {
	Workers        int
	ExecutablePath string
	Args           []string
	// Env is appended to the parent's environment for every worker.
	Env             []string
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type workerProc struct {
	id   int
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// PreforkSupervisor starts worker processes that all accept on one shared
// listening socket. The supervisor itself never accepts. Crashed workers are
// restarted until the context is cancelled.
type PreforkSupervisor struct {
	opts PreforkOptions
	log  *logger.Logger

	restarts *rate.Limiter

	mu      sync.Mutex
	workers map[int]*workerProc
	exits   chan *workerProc
}

// NewPreforkSupervisor validates opts and fills in the executable path and
// arguments of the running process when they are empty.
func NewPreforkSupervisor(opts PreforkOptions, lg *logger.Logger) (*PreforkSupervisor, error) {
	if opts.Workers < 1 {
		return nil, fmt.Errorf("prefork requires at least one worker, got %d", opts.Workers)
	}
	if opts.ExecutablePath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving executable for prefork workers: %w", err)
		}
		opts.ExecutablePath = exe
	}
	if opts.Args == nil {
		opts.Args = os.Args[1:]
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = config.DefaultWorkerReadyTimeout
	}
	return &PreforkSupervisor{
		opts:     opts,
		log:      lg,
		restarts: rate.NewLimiter(rate.Every(time.Second), opts.Workers),
		workers:  make(map[int]*workerProc),
		exits:    make(chan *workerProc, opts.Workers),
	}, nil
}

// Serve starts the workers on ln and supervises them until ctx is cancelled,
// then stops them. ln stays open in the supervisor so restarted workers can
// inherit it.
func (s *PreforkSupervisor) Serve(ctx context.Context, ln net.Listener) error {
	lnFile, err := util.ListenerFile(ln)
	if err != nil {
		return err
	}
	defer lnFile.Close()

	s.log.Info("Prefork supervisor starting workers", logger.LogFields{
		"address":    ln.Addr().String(),
		"workers":    s.opts.Workers,
		"executable": s.opts.ExecutablePath,
	})

	for i := 0; i < s.opts.Workers; i++ {
		if err := s.startWorker(i, lnFile); err != nil {
			s.stopAll()
			return fmt.Errorf("starting worker %d: %w", i, err)
		}
	}

	s.supervise(ctx, lnFile)
	s.stopAll()
	s.log.Info("Prefork supervisor stopped", nil)
	return nil
}

func (s *PreforkSupervisor) supervise(ctx context.Context, lnFile *os.File) {
	var pending []int
	var retry <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case w := <-s.exits:
			s.remove(w)
			fields := logger.LogFields{"worker": w.id, "pid": w.cmd.Process.Pid}
			if w.err != nil {
				fields["error"] = w.err.Error()
			}
			s.log.Warn("Worker exited, restarting", fields)
			pending = append(pending, w.id)
		case <-retry:
			retry = nil
		}

		for len(pending) > 0 && ctx.Err() == nil {
			if !s.restarts.Allow() {
				break
			}
			id := pending[0]
			if err := s.startWorker(id, lnFile); err != nil {
				s.log.Error("Failed to restart worker", logger.LogFields{"worker": id, "error": err.Error()})
				break
			}
			pending = pending[1:]
		}
		if len(pending) > 0 && retry == nil {
			retry = time.After(time.Second)
		}
	}
}

// startWorker execs one worker with the listener at fd 3 and the write end of
// a readiness pipe at fd 4, then waits for the worker to close that pipe.
func (s *PreforkSupervisor) startWorker(id int, lnFile *os.File) error {
	readyR, readyW, err := util.CreateReadinessPipe()
	if err != nil {
		return err
	}
	defer readyR.Close()

	env := append(os.Environ(), s.opts.Env...)
	env = append(env, WorkerIDEnvKey+"="+strconv.Itoa(id))
	env = util.PrepareExecEnv(env, []int{util.FirstExtraFD}, util.FirstExtraFD+1)

	cmd := exec.Command(s.opts.ExecutablePath, s.opts.Args...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{lnFile, readyW}
	cmd.SysProcAttr = workerSysProcAttr()

	startErr := cmd.Start()
	readyW.Close()
	if startErr != nil {
		return fmt.Errorf("exec %s: %w", s.opts.ExecutablePath, startErr)
	}

	w := &workerProc{id: id, cmd: cmd, done: make(chan struct{})}
	go func() {
		w.err = cmd.Wait()
		close(w.done)
		// Only supervised workers are reported; startup failures are
		// returned by startWorker instead.
		s.mu.Lock()
		cur, ok := s.workers[w.id]
		s.mu.Unlock()
		if ok && cur == w {
			s.exits <- w
		}
	}()

	if err := util.WaitForChildReadyPipeClose(readyR, s.opts.ReadyTimeout); err != nil {
		_ = cmd.Process.Kill()
		<-w.done
		return fmt.Errorf("worker %d not ready: %w", id, err)
	}

	s.mu.Lock()
	select {
	case <-w.done:
		s.mu.Unlock()
		return fmt.Errorf("worker %d exited during startup: %v", id, w.err)
	default:
	}
	s.workers[id] = w
	s.mu.Unlock()
	s.log.Info("Worker ready", logger.LogFields{"worker": id, "pid": cmd.Process.Pid})
	return nil
}

func (s *PreforkSupervisor) remove(w *workerProc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.workers[w.id]; ok && cur == w {
		delete(s.workers, w.id)
	}
}

// stopAll sends SIGTERM to every live worker and SIGKILL to those still
// running after the shutdown timeout.
func (s *PreforkSupervisor) stopAll() {
	s.mu.Lock()
	live := make([]*workerProc, 0, len(s.workers))
	for _, w := range s.workers {
		live = append(live, w)
	}
	s.workers = make(map[int]*workerProc)
	s.mu.Unlock()

	for _, w := range live {
		if err := w.cmd.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.Warn("Failed to signal worker", logger.LogFields{"worker": w.id, "error": err.Error()})
		}
	}

	var deadline <-chan time.Time
	if s.opts.ShutdownTimeout > 0 {
		deadline = time.After(s.opts.ShutdownTimeout)
	}
	for _, w := range live {
		select {
		case <-w.done:
			continue
		case <-deadline:
		}
		s.log.Warn("Worker did not stop in time, killing", logger.LogFields{"worker": w.id, "pid": w.cmd.Process.Pid})
		_ = w.cmd.Process.Kill()
		<-w.done
	}
}

// Signal forwards sig to every live worker.
func (s *PreforkSupervisor) Signal(sig os.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		_ = w.cmd.Process.Signal(sig)
	}
}

// WorkerPIDs returns the process IDs of the live workers.
func (s *PreforkSupervisor) WorkerPIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]int, 0, len(s.workers))
	for _, w := range s.workers {
		pids = append(pids, w.cmd.Process.Pid)
	}
	return pids
}

// PreforkWorker is the loop run inside each forked worker process: it takes
// the inherited listener, signals readiness and serves connections one at a
// time.
type PreforkWorker struct {
	conns   *ConnHandler
	limiter *rate.Limiter
	log     *logger.Logger
}

// NewPreforkWorker creates the worker-side loop.
func NewPreforkWorker(conns *ConnHandler, limiter *rate.Limiter, lg *logger.Logger) *PreforkWorker {
	return &PreforkWorker{conns: conns, limiter: limiter, log: lg}
}

// InheritListener returns the listening socket passed by the supervisor and
// closes the readiness pipe. It fails when the process was not started as a
// worker.
func (w *PreforkWorker) InheritListener() (net.Listener, error) {
	ln, found, err := util.InheritedListener()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no inherited listener in %s", util.ListenFdsEnvKey)
	}

	fd, err := util.GetChildWritePipeFD(util.ReadinessPipeEnvKey)
	switch {
	case errors.Is(err, util.ErrPipeFDEnvVarNotSet):
	case err != nil:
		ln.Close()
		return nil, err
	default:
		if err := util.SignalChildReadyByClosingFD(fd); err != nil {
			ln.Close()
			return nil, err
		}
	}
	return ln, nil
}

// Serve runs the sequential accept loop on ln until ctx is cancelled. The
// connection in progress is completed before Serve returns.
func (w *PreforkWorker) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
	}()

	w.log.Info("Prefork worker accepting", logger.LogFields{"pid": os.Getpid(), "address": ln.Addr().String()})

	var backoff time.Duration
	for {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		w.conns.Serve(conn)
	}
}
