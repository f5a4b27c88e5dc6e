// Package publisher delivers encoded events to the broker with confirmation,
// a bounded retry budget and reconnect-on-failure.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-analytics/pkg/amqpclient"
	"github.com/illmade-knight/go-analytics/pkg/retry"
	"github.com/illmade-knight/go-analytics/pkg/spool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ContentType of every published body.
const ContentType = "application/json"

// EnvPublishRetries overrides the retry budget.
const EnvPublishRetries = "RMQ_PUBLISH_RETRIES"

// Config holds the retry policy of the engine.
type Config struct {
	// Retries is the total number of attempts per message.
	Retries int
	// Backoff is the delay policy between attempts.
	Backoff retry.Strategy
}

// NewConfigDefaults returns five attempts with 1s, 2s, 4s, 8s between them.
func NewConfigDefaults() *Config {
	return &Config{
		Retries: 5,
		Backoff: retry.PublishStrategy(),
	}
}

// LoadConfigFromEnv applies RMQ_PUBLISH_RETRIES to the defaults.
func LoadConfigFromEnv() *Config {
	cfg := NewConfigDefaults()
	if v := os.Getenv(EnvPublishRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			cfg.Retries = n
		} else {
			log.Warn().Str("env", EnvPublishRetries).Str("value", v).Msg("publisher: invalid retry budget, using default")
		}
	}
	return cfg
}

// ChannelSource provides live channels. *amqpclient.Manager implements it.
type ChannelSource interface {
	EnsureLive(ctx context.Context) (amqpclient.Channel, bool)
	Discard()
}

// Engine publishes through a ChannelSource. It is not safe for concurrent
// use; callers serialize access.
type Engine struct {
	cfg    Config
	conns  ChannelSource
	spool  spool.Spool
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSpool stores bodies that exhaust the retry budget.
func WithSpool(s spool.Spool) Option {
	return func(e *Engine) { e.spool = s }
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(cfg *Config, conns ChannelSource, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if conns == nil {
		return nil, fmt.Errorf("channel source cannot be nil")
	}
	e := &Engine{
		cfg:    *cfg,
		conns:  conns,
		now:    time.Now,
		logger: logger.With().Str("component", "PublishEngine").Logger(),
	}
	if e.cfg.Retries <= 0 {
		e.cfg.Retries = 1
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Encode serializes msg to JSON. Failures are fatal.
func Encode(msg interface{}) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, &amqpclient.TransportError{Op: "encode", Kind: amqpclient.KindFatal, Err: err}
	}
	return body, nil
}

// Publish encodes msg and delivers it to dest, retrying transient failures up
// to the retry budget. It reports whether the broker confirmed the message.
func (e *Engine) Publish(ctx context.Context, dest amqpclient.Destination, msg interface{}) bool {
	body, err := Encode(msg)
	if err != nil {
		e.logger.Error().Err(err).Str("destination", string(dest)).Msg("Failed to encode message, dropping it.")
		return false
	}
	return e.PublishBody(ctx, dest, body)
}

// PublishBody is Publish for an already encoded body.
func (e *Engine) PublishBody(ctx context.Context, dest amqpclient.Destination, body []byte) bool {
	var lastErr error
	for attempt := 0; attempt < e.cfg.Retries; attempt++ {
		err := e.SendBody(ctx, dest, body)
		if err == nil {
			e.logger.Debug().Str("destination", string(dest)).Int("attempt", attempt+1).Msg("Message published.")
			return true
		}
		lastErr = err

		if amqpclient.Classify(err) != amqpclient.KindTransient {
			e.logger.Error().Err(err).Str("destination", string(dest)).Msg("Non-recoverable publish error, not retrying.")
			return false
		}

		e.conns.Discard()
		if attempt == e.cfg.Retries-1 {
			break
		}
		delay := e.cfg.Backoff.Delay(attempt)
		e.logger.Warn().Err(err).
			Str("destination", string(dest)).
			Int("attempt", attempt+1).
			Int("budget", e.cfg.Retries).
			Dur("retry_in", delay).
			Msg("Transient publish failure, reconnecting.")
		if !retry.Sleep(ctx, delay) {
			lastErr = fmt.Errorf("retry abandoned: %w", ctx.Err())
			break
		}
	}

	e.logger.Error().Err(lastErr).Str("destination", string(dest)).Int("budget", e.cfg.Retries).
		Msg("Message could not be published, failing permanently.")
	e.Store(ctx, dest, body, lastErr)
	return false
}

// PublishOnce encodes msg and makes a single attempt. The error is tagged with
// its kind; see amqpclient.Classify.
func (e *Engine) PublishOnce(ctx context.Context, dest amqpclient.Destination, msg interface{}) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	return e.SendBody(ctx, dest, body)
}

// SendBody makes a single attempt: obtain a live channel, publish and await
// the confirmation. A negative acknowledgement is reported as ErrNotConfirmed.
func (e *Engine) SendBody(ctx context.Context, dest amqpclient.Destination, body []byte) error {
	ch, ok := e.conns.EnsureLive(ctx)
	if !ok {
		return amqpclient.Transient("ensure live", amqpclient.ErrNoChannel)
	}

	confirmed, err := ch.Publish(ctx, string(dest), amqpclient.Publishing{
		MessageID:   uuid.NewString(),
		ContentType: ContentType,
		Persistent:  true,
		Timestamp:   e.now(),
		Body:        body,
	})
	if err != nil {
		var te *amqpclient.TransportError
		if errors.As(err, &te) {
			return err
		}
		return amqpclient.Wrap("publish", err)
	}
	if !confirmed {
		return amqpclient.Transient("publish", amqpclient.ErrNotConfirmed)
	}
	return nil
}

// Store hands a permanently failed body to the spool, if one is configured.
func (e *Engine) Store(ctx context.Context, dest amqpclient.Destination, body []byte, cause error) {
	if e.spool == nil {
		return
	}
	reason := "retry budget exhausted"
	if cause != nil {
		reason = cause.Error()
	}
	rec := spool.NewRecord(dest, body, reason, e.now())

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.spool.Store(storeCtx, rec); err != nil {
		e.logger.Error().Err(err).Str("record_id", rec.ID).Msg("Failed to spool message, it is lost.")
		return
	}
	e.logger.Info().Str("record_id", rec.ID).Str("destination", string(dest)).Msg("Message spooled for replay.")
}
