// Package broker owns the single NATS connection of a process. It is acquired
// once at startup, shared by reference by the registries, the publisher and
// every consumption loop, and released once at shutdown.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	errspkg "github.com/SoundOrion/JobFlow2/internal/runtime/errors"
	loggingpkg "github.com/SoundOrion/JobFlow2/internal/runtime/logging"
)

const (
	DefaultURL           = nats.DefaultURL
	DefaultReconnectWait = 2 * time.Second
	DefaultTimeout       = 5 * time.Second
	DefaultDrainTimeout  = 10 * time.Second
)

// Options configures Connect. Zero durations and strings fall back to the
// defaults above. MaxReconnects is handed to nats.go as is: negative retries
// forever and zero never reconnects.
type Options struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	DrainTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.URL == "" {
		o.URL = DefaultURL
	}
	if o.Name == "" {
		o.Name = "jobflow"
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = DefaultReconnectWait
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	return o
}

// Conn is the process-wide broker session. It is safe for concurrent use.
type Conn struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	opts   Options
	logger loggingpkg.ServiceLogger

	closed    chan struct{}
	closeOnce sync.Once
	closeMu   sync.Mutex
}

// Connect dials the broker and prepares the JetStream context.
func Connect(ctx context.Context, opts Options, logger loggingpkg.ServiceLogger) (*Conn, error) {
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	c := &Conn{
		opts:   opts,
		logger: logger.With(loggingpkg.LogFields{"connection": opts.Name}),
		closed: make(chan struct{}),
	}

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.Timeout(opts.Timeout),
		nats.DrainTimeout(opts.DrainTimeout),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ReconnectHandler(c.onReconnect),
		nats.ClosedHandler(c.onClosed),
		nats.ErrorHandler(c.onAsyncError),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", errspkg.ErrConnectionLost, opts.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c.nc = nc
	c.js = js
	c.logger.Info("Connected to broker", loggingpkg.LogFields{
		"url":       nc.ConnectedUrlRedacted(),
		"server_id": nc.ConnectedServerId(),
	})
	return c, nil
}

// JetStream returns the shared JetStream context.
func (c *Conn) JetStream() jetstream.JetStream { return c.js }

// NATS exposes the underlying core connection.
func (c *Conn) NATS() *nats.Conn { return c.nc }

// Status reports the current connection state, e.g. CONNECTED or RECONNECTING.
func (c *Conn) Status() nats.Status { return c.nc.Status() }

// IsConnected is false while reconnecting and after close.
func (c *Conn) IsConnected() bool { return c.nc.IsConnected() }

// IsClosed is true once the connection can no longer recover.
func (c *Conn) IsClosed() bool { return c.nc.IsClosed() }

// Closed is closed when the connection is permanently gone, either by Close
// or because reconnect attempts were exhausted.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// CheckConnected returns ErrConnectionLost unless the connection is usable.
func (c *Conn) CheckConnected() error {
	if c == nil || c.nc == nil {
		return errspkg.ErrConnectionRequired
	}
	if !c.nc.IsConnected() {
		return fmt.Errorf("%w: status %s", errspkg.ErrConnectionLost, c.nc.Status())
	}
	return nil
}

// Close drains pending work and closes the connection. Subsequent calls are
// no-ops.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.nc.IsClosed() {
		c.markClosed()
		return nil
	}

	err := c.nc.Drain()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		c.logger.Error("Drain failed, closing connection", err, nil)
		c.nc.Close()
	}

	select {
	case <-c.closed:
	case <-time.After(c.opts.DrainTimeout + time.Second):
		c.nc.Close()
		c.markClosed()
	}
	return nil
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) onDisconnect(_ *nats.Conn, err error) {
	if err == nil {
		c.logger.Info("Disconnected from broker", nil)
		return
	}
	c.logger.Error("Disconnected from broker", err, nil)
}

func (c *Conn) onReconnect(nc *nats.Conn) {
	c.logger.Info("Reconnected to broker", loggingpkg.LogFields{
		"url":        nc.ConnectedUrlRedacted(),
		"reconnects": nc.Stats().Reconnects,
	})
}

func (c *Conn) onClosed(nc *nats.Conn) {
	if err := nc.LastError(); err != nil {
		c.logger.Error("Broker connection closed", err, nil)
	} else {
		c.logger.Info("Broker connection closed", nil)
	}
	c.markClosed()
}

func (c *Conn) onAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	fields := loggingpkg.LogFields{}
	if sub != nil {
		fields["subject"] = sub.Subject
	}
	c.logger.Error("Asynchronous broker error", err, fields)
}
