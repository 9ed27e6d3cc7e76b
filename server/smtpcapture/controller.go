package smtpcapture

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pulsarmail/pulsar/consts"
	"github.com/pulsarmail/pulsar/db"
	"github.com/pulsarmail/pulsar/events"
	"github.com/pulsarmail/pulsar/logger"
)

// Controller owns the listener lifecycle and implements live port
// reconfiguration: stop the current backend, bind the new port, replace the
// backend. Restarts are single-flight; a second restart blocks behind the
// first instead of interleaving binds. A failed bind leaves the service
// stopped and reports the error to the caller, who decides about retries.
type Controller struct {
	mu sync.Mutex

	appCtx      context.Context
	host        string
	store       *db.Database
	notifier    *events.Notifier
	opts        Options
	gracePeriod time.Duration
	errChan     chan<- error

	backend *Backend // nil while stopped
}

// NewController wires a controller; the listener is not started yet.
func NewController(appCtx context.Context, host string, store *db.Database, notifier *events.Notifier, opts Options, gracePeriod time.Duration, errChan chan<- error) *Controller {
	return &Controller{
		appCtx:      appCtx,
		host:        host,
		store:       store,
		notifier:    notifier,
		opts:        opts,
		gracePeriod: gracePeriod,
		errChan:     errChan,
	}
}

// Start binds the given port and begins serving. Returns
// consts.ErrAddrInUse when the port is held by another process.
func (c *Controller) Start(port string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backend != nil {
		return fmt.Errorf("server already running on port %s", c.backend.Port())
	}
	return c.startLocked(port)
}

// startLocked binds and launches a fresh backend. Caller holds c.mu.
func (c *Controller) startLocked(port string) error {
	backend := New(c.appCtx, c.host, c.store, c.notifier, c.opts)
	if err := backend.Listen(port, c.opts.MaxConnections); err != nil {
		return err
	}
	c.backend = backend

	go func() {
		if err := backend.Serve(); err != nil && c.appCtx.Err() == nil {
			logger.Error("SMTP capture server failed", "port", port, "error", err)
			if c.errChan != nil {
				c.errChan <- err
			}
		}
	}()
	return nil
}

// Restart moves the listener to a new port: stop accepting on the current
// port, drain in-flight sessions within the grace period, bind the new port.
// On bind failure the service stays stopped and the error is returned.
// Sessions that authenticated before the restart either complete normally
// during the drain or are force-closed; no partial message is ever
// persisted either way.
func (c *Controller) Restart(ctx context.Context, newPort string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger.Info("restarting SMTP capture server", "new_port", newPort)
	c.stopLocked(ctx)

	if err := c.startLocked(newPort); err != nil {
		logger.Error("rebind failed, service left stopped", "port", newPort, "error", err)
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully. Safe to call when already
// stopped.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(ctx)
}

// stopLocked drains and discards the current backend. Caller holds c.mu.
func (c *Controller) stopLocked(ctx context.Context) {
	if c.backend == nil {
		return
	}
	graceCtx, cancel := context.WithTimeout(ctx, c.gracePeriod)
	defer cancel()
	if err := c.backend.Stop(graceCtx); err != nil {
		logger.Warn("error stopping SMTP capture server", "error", err)
	}
	c.backend = nil
}

// CurrentPort returns the port the listener is bound to, or
// consts.ErrServerStopped when it is not running.
func (c *Controller) CurrentPort() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return "", consts.ErrServerStopped
	}
	return c.backend.Port(), nil
}

// Addr returns the live listener address. Used by tests that bind port 0.
func (c *Controller) Addr() (net.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, consts.ErrServerStopped
	}
	return c.backend.Addr(), nil
}
