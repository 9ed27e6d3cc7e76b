// Package smtpcapture implements the local mail-capture listener: a
// loopback-only SMTP server that accepts any credentials and files every
// submitted message into the mailbox named by the authenticated username.
package smtpcapture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/pulsarmail/pulsar/consts"
	"github.com/pulsarmail/pulsar/db"
	"github.com/pulsarmail/pulsar/events"
	"github.com/pulsarmail/pulsar/logger"
	"github.com/pulsarmail/pulsar/pkg/metrics"
	"github.com/pulsarmail/pulsar/server/idgen"
)

// Options configures a capture backend.
type Options struct {
	Hostname       string // Name announced in the SMTP greeting
	MaxConnections int    // Simultaneous sessions; excess connections are turned away
	MaxMessageSize int64  // Bytes; 0 disables the limit
	Debug          bool   // Dump the protocol exchange to stdout
}

// Backend is one bound instance of the capture listener. A Backend serves a
// single port for its lifetime; rebinding to a new port is done by the
// Controller, which replaces the whole Backend.
type Backend struct {
	host     string
	port     string
	store    *db.Database
	notifier *events.Notifier
	server   *smtp.Server
	listener net.Listener
	appCtx   context.Context

	maxMessageSize int64

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

// New creates an unbound capture backend.
func New(appCtx context.Context, host string, store *db.Database, notifier *events.Notifier, opts Options) *Backend {
	b := &Backend{
		host:           host,
		store:          store,
		notifier:       notifier,
		appCtx:         appCtx,
		maxMessageSize: opts.MaxMessageSize,
	}

	s := smtp.NewServer(b)
	s.Domain = opts.Hostname
	// Plaintext only: this is a loopback capture tool, STARTTLS upgrade is
	// unsupported and AUTH is allowed on the insecure channel.
	s.AllowInsecureAuth = true
	if opts.MaxMessageSize > 0 {
		s.MaxMessageBytes = opts.MaxMessageSize
	}
	if opts.Debug {
		s.Debug = os.Stdout
	}
	b.server = s

	return b
}

// Listen binds the loopback address on the given port, enforcing the session
// limit at the listener. A port held by another process is reported as
// consts.ErrAddrInUse.
func (b *Backend) Listen(port string, maxConnections int) error {
	addr := net.JoinHostPort(b.host, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s", consts.ErrAddrInUse, addr)
		}
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	b.port = port
	b.listener = &limitListener{
		Listener: listener,
		slots:    make(chan struct{}, maxConnections),
	}
	logger.Info("SMTP capture server listening", "addr", listener.Addr().String())
	return nil
}

// Serve runs the accept loop until the backend is stopped. Must be called
// after Listen.
func (b *Backend) Serve() error {
	if b.listener == nil {
		return fmt.Errorf("serve called before listen")
	}
	err := b.server.Serve(b.listener)
	if err != nil && !errors.Is(err, smtp.ErrServerClosed) {
		return fmt.Errorf("SMTP server error: %w", err)
	}
	return nil
}

// Stop stops accepting new connections and waits for in-flight sessions to
// finish. When ctx expires first, remaining sessions are force-closed.
func (b *Backend) Stop(ctx context.Context) error {
	if b.server == nil {
		return nil
	}
	logger.Info("stopping SMTP capture server", "port", b.port)
	if err := b.server.Shutdown(ctx); err != nil {
		logger.Warn("grace period elapsed, force-closing sessions", "port", b.port, "error", err)
		return b.server.Close()
	}
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (b *Backend) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Port returns the port this backend was bound to.
func (b *Backend) Port() string {
	return b.port
}

// ActiveConnections returns the number of sessions currently in flight.
func (b *Backend) ActiveConnections() int64 {
	return b.activeConnections.Load()
}

// NewSession starts the per-connection state machine.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	sessionCtx, cancel := context.WithCancel(b.appCtx)

	b.totalConnections.Add(1)
	b.activeConnections.Add(1)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()

	s := &Session{
		backend:   b,
		conn:      c,
		ctx:       sessionCtx,
		cancel:    cancel,
		id:        idgen.New(),
		startTime: time.Now(),
	}
	logger.Debug("new session",
		"id", s.id,
		"remote", c.Conn().RemoteAddr().String(),
		"active", b.activeConnections.Load(),
	)
	return s, nil
}

// limitListener bounds the number of simultaneous sessions. A connection
// arriving with all slots taken is closed immediately instead of queueing
// behind running sessions.
type limitListener struct {
	net.Listener
	slots chan struct{}
}

func (l *limitListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		select {
		case l.slots <- struct{}{}:
			return &limitConn{Conn: conn, release: l.release}, nil
		default:
			metrics.ConnectionsRejectedTotal.Inc()
			logger.Warn("connection rejected, session limit reached", "remote", conn.RemoteAddr().String())
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			conn.Write([]byte("421 4.3.2 Too many connections, try again later\r\n"))
			conn.Close()
		}
	}
}

func (l *limitListener) release() {
	<-l.slots
}

// limitConn releases its session slot exactly once on close.
type limitConn struct {
	net.Conn
	release func()
}

func (c *limitConn) Close() error {
	if c.release != nil {
		c.release()
		c.release = nil
	}
	return c.Conn.Close()
}
