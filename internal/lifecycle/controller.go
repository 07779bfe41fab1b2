// Package lifecycle owns the proxy's start/stop state machine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"s3front-proxy-go/internal/config"
)

// State is the externally observable runtime state of the proxy.
type State int32

// States of the proxy lifecycle. Transitions are driven exclusively by
// Start and Stop; the serve loop itself never mutates state.
const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrPortInUse is returned by Start when the listen port is already bound
// by another process. The state remains Stopped and no bind is attempted.
var ErrPortInUse = errors.New("listen port already in use")

// probeTimeout bounds the TCP connect probe used to detect an occupied port.
const probeTimeout = 500 * time.Millisecond

// Controller exposes idempotent Start/Stop/Status over a single listening
// Echo server. Transitions are serialized by a mutex (single-writer); the
// state value itself is atomic so Status never blocks, callable from any
// state.
type Controller struct {
	mu     sync.Mutex
	state  atomic.Int32
	e      *echo.Echo
	cfg    *config.Config
	logger *slog.Logger
	srv    *http.Server  // current serve cycle; nil when not running
	done   chan struct{} // closed when the serve loop exits
}

// New creates a Controller in the Stopped state.
func New(e *echo.Echo, cfg *config.Config, logger *slog.Logger) *Controller {
	return &Controller{
		e:      e,
		cfg:    cfg,
		logger: logger.With("component", "lifecycle"),
	}
}

// Status returns the current state. Pure read, never blocks.
func (c *Controller) Status() State {
	return State(c.state.Load())
}

// Start binds the listen socket and begins accepting connections.
//
// Calling Start when already Running is a no-op returning nil. If the
// listen port is occupied by another process the call fails with
// ErrPortInUse and the state stays Stopped. A bind failure moves the state
// to Failed with the underlying OS error; there is no automatic retry, but
// a later Start may be attempted.
func (c *Controller) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.Status() {
	case Running:
		return nil
	case Stopping:
		return fmt.Errorf("start: proxy is stopping")
	}

	c.state.Store(int32(Starting))

	addr := c.cfg.Server.Addr()
	if portOccupied(c.probeAddr()) {
		c.state.Store(int32(Stopped))
		return fmt.Errorf("start %s: %w", addr, ErrPortInUse)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		c.state.Store(int32(Failed))
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	// An http.Server cannot serve again after Shutdown, so each start
	// cycle gets a fresh one; the Echo instance's server only carries the
	// timeout settings.
	tpl := c.e.Server
	srv := &http.Server{
		Handler:           c.e,
		ReadTimeout:       tpl.ReadTimeout,
		WriteTimeout:      tpl.WriteTimeout,
		IdleTimeout:       tpl.IdleTimeout,
		ReadHeaderTimeout: tpl.ReadHeaderTimeout,
	}

	c.srv = srv
	c.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("server error", "err", err)
		}
	}(c.done)

	c.state.Store(int32(Running))
	c.logger.Info("proxy started",
		"addr", addr,
		"upstream", c.cfg.Upstream.Addr(),
		"path_prefix", c.cfg.Upstream.PathPrefix,
	)
	return nil
}

// Stop stops accepting new connections, drains in-flight requests up to the
// shutdown grace period and closes the listen socket.
//
// Calling Stop when already Stopped is a no-op returning nil. In-flight
// requests complete (or hit their own timeouts) before the socket closes;
// only requests still running at the grace deadline are cut off.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.Status() {
	case Stopped:
		return nil
	case Failed:
		c.state.Store(int32(Stopped))
		return nil
	}

	c.state.Store(int32(Stopping))
	c.logger.Info("proxy stopping", "grace", c.cfg.Server.ShutdownGrace())

	shutdownCtx, cancel := context.WithTimeout(ctx, c.cfg.Server.ShutdownGrace())
	defer cancel()

	err := c.srv.Shutdown(shutdownCtx)
	if err != nil {
		// Grace period expired with requests still in flight; force-close.
		c.logger.Warn("graceful shutdown incomplete, closing", "err", err)
		err = c.srv.Close()
	}

	if c.done != nil {
		<-c.done
		c.done = nil
	}
	c.srv = nil

	c.state.Store(int32(Stopped))
	c.logger.Info("proxy stopped")
	return err
}

// probeAddr is the address dialed to check whether the listen port is
// occupied. A wildcard listen host cannot be dialed, so probe loopback.
func (c *Controller) probeAddr() string {
	host := c.cfg.Server.Host
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, c.cfg.Server.Port)
}

// portOccupied reports whether something already accepts TCP connections on
// addr.
func portOccupied(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
