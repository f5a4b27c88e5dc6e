// Package worker runs the background publisher: a single goroutine that owns
// the broker connection, drains a submission queue and keeps the connection
// serviced while idle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/amqpclient"
	"github.com/illmade-knight/go-analytics/pkg/retry"
	"github.com/rs/zerolog"
)

// KeepaliveSliceMax caps the time spent servicing the connection per idle cycle.
const KeepaliveSliceMax = time.Second

// Connector is the connection lifecycle the worker drives. *amqpclient.Manager
// implements it.
type Connector interface {
	Connect(ctx context.Context) bool
	Keepalive(ctx context.Context, limit time.Duration) error
	Discard()
	Close()
}

// Sender makes single publish attempts and spools what is given up on.
// *publisher.Engine implements it.
type Sender interface {
	SendBody(ctx context.Context, dest amqpclient.Destination, body []byte) error
	Store(ctx context.Context, dest amqpclient.Destination, body []byte, cause error)
}

// Config holds the worker's timing.
type Config struct {
	// PollTimeout bounds each wait on the submission queue.
	PollTimeout time.Duration
	// KeepaliveSlice bounds each idle keepalive tick.
	KeepaliveSlice time.Duration
	// Reconnect is the delay policy between failed connection cycles.
	Reconnect retry.Strategy
	// MaxAttempts is how many transient failures an item survives.
	MaxAttempts int
}

// NewConfig derives the worker timing from the broker settings.
func NewConfig(broker *amqpclient.Config, maxAttempts int) Config {
	return Config{
		PollTimeout:    500 * time.Millisecond,
		KeepaliveSlice: broker.KeepaliveSlice(100*time.Millisecond, KeepaliveSliceMax),
		Reconnect:      retry.ReconnectStrategy(),
		MaxAttempts:    maxAttempts,
	}
}

// Worker owns the connection exclusively while running; callers only touch
// its queue.
type Worker struct {
	cfg    Config
	conns  Connector
	sender Sender
	queue  *Queue
	logger zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New creates a Worker. Start must be called before items are published.
func New(cfg Config, conns Connector, sender Sender, logger zerolog.Logger) (*Worker, error) {
	if conns == nil {
		return nil, fmt.Errorf("connector cannot be nil")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Worker{
		cfg:    cfg,
		conns:  conns,
		sender: sender,
		queue:  NewQueue(),
		logger: logger.With().Str("component", "PublishWorker").Logger(),
	}, nil
}

// Start launches the worker goroutine. It runs until Stop is called or ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return errors.New("worker already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(runCtx)
	w.logger.Info().Msg("Publish worker started.")
	return nil
}

// Submit enqueues an encoded event and returns immediately.
func (w *Worker) Submit(dest amqpclient.Destination, body []byte) {
	w.queue.Push(Item{Destination: dest, Body: body})
}

// Pending returns the number of queued items.
func (w *Worker) Pending() int {
	return w.queue.Len()
}

// Stop signals the worker and waits for it to exit, bounded by ctx. The
// connection is closed whether or not the worker exited in time. Items still
// queued are abandoned.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel == nil {
		w.conns.Close()
		return nil
	}
	cancel()

	select {
	case <-done:
		w.conns.Close()
	case <-ctx.Done():
		w.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for publish worker to exit, forcing connection closed.")
		go w.conns.Close()
		return ctx.Err()
	}

	if n := w.queue.Len(); n > 0 {
		w.logger.Warn().Int("abandoned", n).Msg("Publish worker stopped with items still queued.")
	}
	w.logger.Info().Msg("Publish worker stopped.")
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.conns.Close()

	backoff := retry.NewBackoff(w.cfg.Reconnect)
	for ctx.Err() == nil {
		if !w.conns.Connect(ctx) {
			delay := backoff.Next()
			w.logger.Warn().Dur("retry_in", delay).Int("pending", w.queue.Len()).Msg("Broker unavailable, retrying connection.")
			if !retry.Sleep(ctx, delay) {
				return
			}
			continue
		}
		backoff.Reset()
		w.drain(ctx)
	}
}

// drain publishes queued items until ctx is done or the connection needs to
// be re-established.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		if item, ok := w.queue.Poll(ctx, w.cfg.PollTimeout); ok {
			if err := w.publish(ctx, item); err != nil {
				return
			}
		}

		slice := w.cfg.KeepaliveSlice
		if w.queue.Len() > 0 {
			slice = 0
		}
		if err := w.conns.Keepalive(ctx, slice); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn().Err(err).Msg("Connection lost while idle, reconnecting.")
			w.conns.Discard()
			return
		}
	}
}

// publish makes one attempt for item. A non-nil result means the connection
// was discarded and the worker must reconnect.
func (w *Worker) publish(ctx context.Context, item Item) error {
	err := w.sender.SendBody(ctx, item.Destination, item.Body)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		w.logger.Debug().Err(err).Msg("Publish interrupted by shutdown.")
		return err
	}
	if !amqpclient.IsTransient(err) {
		w.logger.Error().Err(err).Str("destination", string(item.Destination)).Msg("Non-recoverable publish error, dropping message.")
		return nil
	}

	w.conns.Discard()
	item.Attempts++
	if item.Attempts >= w.cfg.MaxAttempts {
		w.logger.Error().Err(err).Str("destination", string(item.Destination)).Int("attempts", item.Attempts).
			Msg("Message could not be published, failing permanently.")
		w.sender.Store(ctx, item.Destination, item.Body, err)
		return err
	}
	w.logger.Warn().Err(err).Str("destination", string(item.Destination)).Int("attempt", item.Attempts).
		Msg("Transient publish failure, requeued after reconnect.")
	w.queue.PushFront(item)
	return err
}
