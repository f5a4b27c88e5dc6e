// Package analytics is the entry point for emitting analytics events. Every
// send is best-effort: failures end in a log line, never in an error or a
// panic reaching the caller.
package analytics

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/amqpclient"
	"github.com/illmade-knight/go-analytics/pkg/events"
	"github.com/illmade-knight/go-analytics/pkg/publisher"
	"github.com/illmade-knight/go-analytics/pkg/spool"
	"github.com/illmade-knight/go-analytics/pkg/worker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EnvThreaded selects the operating mode ("1"/"true" for the background worker).
const EnvThreaded = "RMQ_THREADED"

// CloseTimeout bounds the wait for the background worker on Close.
const CloseTimeout = 5 * time.Second

// Config groups everything the client needs.
type Config struct {
	Broker  *amqpclient.Config
	Publish *publisher.Config
	// Threaded hands every send to a background worker instead of publishing
	// on the caller's goroutine.
	Threaded bool
}

// LoadConfigFromEnv loads the broker and publish settings and the mode.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Broker:   amqpclient.LoadConfigFromEnv(),
		Publish:  publisher.LoadConfigFromEnv(),
		Threaded: true,
	}
	if v := os.Getenv(EnvThreaded); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			cfg.Threaded = b
		} else {
			log.Warn().Str("env", EnvThreaded).Str("value", v).Msg("analytics: invalid mode flag, using threaded")
		}
	}
	return cfg
}

// Sender is the typed send API. *Client implements it.
type Sender interface {
	SendUserStats(ctx context.Context, userID int64, username string, action events.UserAction, platform string, success bool)
	SendProviderStats(ctx context.Context, platform string, action events.ProviderAction, success bool, videoSize *int64, processingTime *float64)
	SendBotEvent(ctx context.Context, eventType string, data map[string]interface{})
}

// Client builds timestamped events and publishes them, either synchronously
// or through the background worker.
//
// In synchronous mode a send blocks for the whole retry loop; concurrent
// sends are serialized. In threaded mode a send only enqueues.
type Client struct {
	cfg     Config
	manager *amqpclient.Manager
	engine  *publisher.Engine
	worker  *worker.Worker
	spool   spool.Spool
	dialer  amqpclient.Dialer
	now     func() time.Time
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sendMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithSpool keeps events that exhaust the retry budget for Replay.
func WithSpool(s spool.Spool) Option {
	return func(c *Client) { c.spool = s }
}

// WithDialer replaces the amqp091 dialer, mainly for tests.
func WithDialer(d amqpclient.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a Client. In threaded mode the worker starts immediately
// and runs until Close is called or ctx is done. No connection is attempted
// in synchronous mode until the first send.
func NewClient(ctx context.Context, cfg *Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if cfg == nil || cfg.Broker == nil {
		return nil, fmt.Errorf("broker config cannot be nil")
	}
	if cfg.Publish == nil {
		cfg.Publish = publisher.NewConfigDefaults()
	}

	c := &Client{
		cfg:    *cfg,
		now:    time.Now,
		logger: logger.With().Str("component", "AnalyticsClient").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = amqpclient.NewDialer(logger)
	}

	var err error
	c.manager, err = amqpclient.NewManager(cfg.Broker, c.dialer, logger)
	if err != nil {
		return nil, err
	}
	c.engine, err = publisher.NewEngine(cfg.Publish, c.manager, logger,
		publisher.WithSpool(c.spool), publisher.WithClock(c.now))
	if err != nil {
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	if cfg.Threaded {
		c.worker, err = worker.New(worker.NewConfig(cfg.Broker, cfg.Publish.Retries), c.manager, c.engine, logger)
		if err != nil {
			c.cancel()
			return nil, err
		}
		if err := c.worker.Start(c.ctx); err != nil {
			c.cancel()
			return nil, fmt.Errorf("failed to start publish worker: %w", err)
		}
	}

	c.logger.Info().Bool("threaded", cfg.Threaded).Str("broker", cfg.Broker.Redacted()).Msg("Analytics client ready.")
	return c, nil
}

// SendUserStats publishes a user_stats event.
func (c *Client) SendUserStats(ctx context.Context, userID int64, username string, action events.UserAction, platform string, success bool) {
	defer c.recoverSend(amqpclient.UserStats)
	c.dispatch(ctx, events.NewUserStats(c.now(), userID, username, action, platform, success))
}

// SendProviderStats publishes a provider_stats event. videoSize and
// processingTime (seconds) may be nil.
func (c *Client) SendProviderStats(ctx context.Context, platform string, action events.ProviderAction, success bool, videoSize *int64, processingTime *float64) {
	defer c.recoverSend(amqpclient.ProviderStats)
	c.dispatch(ctx, events.NewProviderStats(c.now(), platform, action, success, videoSize, processingTime))
}

// SendBotEvent publishes a bot_events event.
func (c *Client) SendBotEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	defer c.recoverSend(amqpclient.BotEvents)
	c.dispatch(ctx, events.NewBotEvent(c.now(), eventType, data))
}

type validatable interface {
	events.Event
	Validate() error
}

func (c *Client) dispatch(ctx context.Context, ev validatable) {
	dest := ev.Destination()
	if c.closed.Load() {
		c.logger.Warn().Str("destination", string(dest)).Msg("Client closed, dropping event.")
		return
	}
	if err := ev.Validate(); err != nil {
		c.logger.Error().Err(err).Str("destination", string(dest)).Msg("Invalid event, dropping it.")
		return
	}

	body, err := publisher.Encode(ev)
	if err != nil {
		c.logger.Error().Err(err).Str("destination", string(dest)).Msg("Failed to encode event, dropping it.")
		return
	}
	c.deliver(ctx, dest, body)
}

func (c *Client) deliver(ctx context.Context, dest amqpclient.Destination, body []byte) {
	if c.worker != nil {
		c.worker.Submit(dest, body)
		return
	}

	// Close interrupts a synchronous send stuck in its retry loop.
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.engine.PublishBody(sendCtx, dest, body)
}

func (c *Client) recoverSend(dest amqpclient.Destination) {
	if r := recover(); r != nil {
		c.logger.Error().Interface("panic", r).Str("destination", string(dest)).Msg("Recovered from panic while sending analytics event.")
	}
}

// Replay drains up to max spooled events and sends them again. It returns
// the number resubmitted.
func (c *Client) Replay(ctx context.Context, max int) (int, error) {
	if c.spool == nil {
		return 0, nil
	}
	if c.closed.Load() {
		return 0, fmt.Errorf("client is closed")
	}
	recs, err := c.spool.Drain(ctx, max)
	if err != nil {
		return 0, fmt.Errorf("failed to drain spool: %w", err)
	}
	for _, rec := range recs {
		if !rec.Destination.Valid() {
			c.logger.Warn().Str("record_id", rec.ID).Str("destination", string(rec.Destination)).Msg("Skipping spooled record with unknown destination.")
			continue
		}
		c.deliver(ctx, rec.Destination, rec.Body)
	}
	if len(recs) > 0 {
		c.logger.Info().Int("count", len(recs)).Msg("Replayed spooled events.")
	}
	return len(recs), nil
}

// Live reports whether the broker connection is currently up.
func (c *Client) Live() bool {
	return c.manager.Live()
}

// Threaded reports the operating mode.
func (c *Client) Threaded() bool {
	return c.worker != nil
}

// Close stops the worker (waiting up to CloseTimeout) and closes the broker
// connection. Later sends are dropped. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.worker != nil {
			ctx, cancel := context.WithTimeout(context.Background(), CloseTimeout)
			defer cancel()
			if err := c.worker.Stop(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Publish worker did not stop cleanly.")
			}
		}
		c.cancel()
		c.manager.Close()
		c.logger.Info().Msg("Analytics client closed.")
	})
}
