package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"example.com/httpfs/internal/logger"
)

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// PoolDispatcher runs a single accept loop and hands every accepted
// connection to a fixed-size goroutine pool. At most workers connections are
// accepted and not yet closed at any time; the rest wait in the kernel backlog.
type PoolDispatcher struct {
	workers  int
	limiter  *rate.Limiter
	conns    *ConnHandler
	log      *logger.Logger
	shutdown time.Duration

	mu     sync.Mutex
	active map[net.Conn]struct{}
}

// NewPoolDispatcher creates a dispatcher with workers goroutines. A
// non-nil limiter paces Accept calls. grace bounds how long Serve waits for
// in-flight connections once ctx is cancelled.
func NewPoolDispatcher(workers int, limiter *rate.Limiter, conns *ConnHandler, lg *logger.Logger, grace time.Duration) *PoolDispatcher {
	if workers < 1 {
		workers = 1
	}
	return &PoolDispatcher{
		workers:  workers,
		limiter:  limiter,
		conns:    conns,
		log:      lg,
		shutdown: grace,
		active:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts on ln until ctx is cancelled or ln fails permanently.
// It closes ln before returning.
func (d *PoolDispatcher) Serve(ctx context.Context, ln net.Listener) error {
	raw := &rawConnListener{Listener: ln}
	limited := netutil.LimitListener(raw, d.workers)
	p := pool.New().WithMaxGoroutines(d.workers)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = limited.Close()
	}()

	d.log.Info("Thread pool dispatcher started", logger.LogFields{
		"address": ln.Addr().String(),
		"workers": d.workers,
	})

	serveErr := d.acceptLoop(ctx, limited, raw, p)
	close(stop)

	d.drain(p)
	d.log.Info("Thread pool dispatcher stopped", nil)
	return serveErr
}

func (d *PoolDispatcher) acceptLoop(ctx context.Context, ln net.Listener, raw *rawConnListener, p *pool.Pool) error {
	var backoff time.Duration
	for {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
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
				d.log.Warn("Accept failed, retrying", logger.LogFields{"error": err.Error(), "backoff": backoff.String()})
				time.Sleep(backoff)
				continue
			}
			d.log.Error("Accept failed", logger.LogFields{"error": err.Error()})
			return err
		}
		backoff = 0
		conn = &limitedConn{Conn: conn, raw: raw.last}

		d.track(conn, true)
		p.Go(func() {
			defer d.track(conn, false)
			d.conns.Serve(conn)
		})
	}
}

// rawConnListener remembers the connection returned by the most recent
// Accept. LimitListener calls it synchronously from the single accept loop.
type rawConnListener struct {
	net.Listener
	last net.Conn
}

func (l *rawConnListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	l.last = c
	return c, err
}

// limitedConn is a LimitListener connection that can still half-close the
// underlying socket. Close goes through the limited conn to free its slot.
type limitedConn struct {
	net.Conn
	raw net.Conn
}

func (c *limitedConn) CloseWrite() error {
	if cw, ok := c.raw.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}

// drain waits for in-flight connections, force closing them once the grace
// period expires.
func (d *PoolDispatcher) drain(p *pool.Pool) {
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	if d.shutdown <= 0 {
		<-done
		return
	}

	select {
	case <-done:
	case <-time.After(d.shutdown):
		d.mu.Lock()
		n := len(d.active)
		for c := range d.active {
			_ = c.Close()
		}
		d.mu.Unlock()
		d.log.Warn("Shutdown timeout exceeded, forced connections closed", logger.LogFields{"connections": n})
		<-done
	}
}

func (d *PoolDispatcher) track(c net.Conn, add bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if add {
		d.active[c] = struct{}{}
	} else {
		delete(d.active, c)
	}
}

// ActiveConnections returns the number of connections currently being served.
func (d *PoolDispatcher) ActiveConnections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur == 0 {
		return acceptBackoffMin
	}
	cur *= 2
	if cur > acceptBackoffMax {
		cur = acceptBackoffMax
	}
	return cur
}

// NewAcceptLimiter returns a limiter for r accepts per second, or nil when r
// is zero.
func NewAcceptLimiter(r float64, burst int) *rate.Limiter {
	if r <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}
