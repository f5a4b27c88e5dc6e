package amqpclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ====================================================================================
// This file defines a small set of interfaces over the AMQP client so the
// connection manager, publish engine and worker can be tested against an
// in-memory broker (see package amqptest). The adapters at the bottom bind the
// interfaces to github.com/rabbitmq/amqp091-go.
// ====================================================================================

// Dialer opens transport-level sessions to the broker.
type Dialer interface {
	Dial(ctx context.Context, cfg *Config) (Connection, error)
}

// Connection abstracts an *amqp.Connection.
type Connection interface {
	// Channel opens a new channel multiplexed over this connection.
	Channel() (Channel, error)
	// IsClosed reports whether the connection is known to be closed.
	IsClosed() bool
	// Process services connection events for at most limit, returning a
	// transient error if the connection is lost in the meantime. A zero limit
	// only checks for pending events.
	Process(ctx context.Context, limit time.Duration) error
	Close() error
}

// Channel abstracts an *amqp.Channel.
type Channel interface {
	// Confirm puts the channel into publisher-confirm mode.
	Confirm() error
	DeclareQueue(spec QueueSpec) error
	// Publish sends msg through the default exchange. In confirm mode it waits
	// for the broker's acknowledgement and reports false on a negative one.
	Publish(ctx context.Context, routingKey string, msg Publishing) (confirmed bool, err error)
	IsClosed() bool
	Close() error
}

// Publishing is the message handed to Channel.Publish.
type Publishing struct {
	MessageID   string
	ContentType string
	Persistent  bool
	Timestamp   time.Time
	Body        []byte
}

// --- Adapters wrapping github.com/rabbitmq/amqp091-go ---

type amqpDialer struct {
	logger zerolog.Logger
}

// NewDialer returns the production Dialer backed by amqp091-go.
func NewDialer(logger zerolog.Logger) Dialer {
	return &amqpDialer{logger: logger.With().Str("component", "AMQPDialer").Logger()}
}

// Dial connects and performs the protocol handshake. The TCP dial honours ctx;
// the handshake is bounded by cfg.ConnectTimeout.
func (d *amqpDialer) Dial(ctx context.Context, cfg *Config) (Connection, error) {
	amqpCfg := amqp.Config{
		Vhost:     cfg.VHost,
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": "go-analytics-publisher",
		},
		Dial: func(network, addr string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 60 * time.Second}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Cleared by the library once the handshake completes.
			if err := conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout)); err != nil {
				_ = conn.Close()
				return nil, err
			}
			return conn, nil
		},
	}
	if cfg.TLS {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		amqpCfg.TLSClientConfig = tlsConfig
	}

	conn, err := amqp.DialConfig(cfg.URL(), amqpCfg)
	if err != nil {
		return nil, Wrap("dial", err)
	}

	c := &amqpConnection{
		conn:   conn,
		closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		logger: d.logger,

		confirmTimeout: cfg.ConfirmTimeout,
	}
	c.watchBlocked(conn.NotifyBlocked(make(chan amqp.Blocking, 1)), cfg.BlockedTimeout)
	return c, nil
}

type amqpConnection struct {
	conn   *amqp.Connection
	closed <-chan *amqp.Error
	logger zerolog.Logger

	confirmTimeout time.Duration

	mu       sync.Mutex
	closeErr error
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, Wrap("open channel", err)
	}
	return &amqpChannel{ch: ch, confirmTimeout: c.confirmTimeout}, nil
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

// Process waits on the close notification. Heartbeats themselves are written
// by the library's own goroutines, so "servicing" the connection here means
// observing its failure promptly.
func (c *amqpConnection) Process(ctx context.Context, limit time.Duration) error {
	if err := c.lostErr(); err != nil {
		return err
	}
	if limit <= 0 {
		select {
		case amqpErr, ok := <-c.closed:
			return c.lost(amqpErr, ok)
		default:
			return nil
		}
	}

	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case amqpErr, ok := <-c.closed:
		return c.lost(amqpErr, ok)
	case <-timer.C:
		if c.conn.IsClosed() {
			return Transient("keepalive", amqp.ErrClosed)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (c *amqpConnection) lost(amqpErr *amqp.Error, ok bool) error {
	var err error = amqp.ErrClosed
	if ok && amqpErr != nil {
		err = amqpErr
	}
	c.mu.Lock()
	c.closeErr = Transient("keepalive", err)
	c.mu.Unlock()
	return c.closeErr
}

func (c *amqpConnection) lostErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// watchBlocked logs resource-alarm blocking and closes the connection if the
// broker keeps it blocked for longer than timeout.
func (c *amqpConnection) watchBlocked(blockings <-chan amqp.Blocking, timeout time.Duration) {
	go func() {
		var timer *time.Timer
		var expired <-chan time.Time
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case b, ok := <-blockings:
				if !ok {
					return
				}
				if b.Active {
					c.logger.Warn().Str("reason", b.Reason).Msg("Broker blocked the connection.")
					if timeout > 0 && timer == nil {
						timer = time.NewTimer(timeout)
						expired = timer.C
					}
					continue
				}
				c.logger.Info().Msg("Broker unblocked the connection.")
				if timer != nil {
					timer.Stop()
					timer, expired = nil, nil
				}
			case <-expired:
				c.logger.Error().Dur("timeout", timeout).Msg("Connection blocked for too long, closing it.")
				_ = c.conn.Close()
				return
			}
		}
	}()
}

type amqpChannel struct {
	ch             *amqp.Channel
	confirming     bool
	confirmTimeout time.Duration
}

func (c *amqpChannel) Confirm() error {
	if err := c.ch.Confirm(false); err != nil {
		return Wrap("confirm select", err)
	}
	c.confirming = true
	return nil
}

func (c *amqpChannel) DeclareQueue(spec QueueSpec) error {
	_, err := c.ch.QueueDeclare(spec.Name, spec.Durable, false, false, false, amqp.Table(spec.Args))
	return Wrap("declare "+spec.Name, err)
}

func (c *amqpChannel) Publish(ctx context.Context, routingKey string, msg Publishing) (bool, error) {
	pub := amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Transient,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	}
	if msg.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}

	if !c.confirming {
		if err := c.ch.PublishWithContext(ctx, "", routingKey, false, false, pub); err != nil {
			return false, Wrap("publish", err)
		}
		return true, nil
	}

	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, "", routingKey, false, false, pub)
	if err != nil {
		return false, Wrap("publish", err)
	}
	if dc == nil {
		return true, nil
	}

	timeout := c.confirmTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	acked, err := dc.WaitContext(waitCtx)
	if err != nil {
		return false, Transient("await confirm", err)
	}
	return acked, nil
}

func (c *amqpChannel) IsClosed() bool {
	return c.ch.IsClosed()
}

func (c *amqpChannel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         strings.TrimSpace(cfg.Host),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}
