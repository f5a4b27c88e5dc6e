package amqpclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/retry"
	"github.com/rs/zerolog"
)

// Manager owns one broker connection and its channel. It establishes them,
// checks them before every publish and repairs them, preferring a channel-only
// reopen when the connection itself is still healthy.
//
// The mutex guards the connection and channel fields and is held for a whole
// connect cycle, dials and backoff included. Readers that must not wait on a
// reconnect (Live, Channel, Connection) use the published session instead.
// The publishing discipline itself (one publisher at a time) is left to the
// owner.
type Manager struct {
	cfg    *Config
	dialer Dialer
	specs  []QueueSpec
	logger zerolog.Logger

	mu   sync.Mutex
	conn Connection
	ch   Channel

	current atomic.Pointer[session]
}

// session is the connection and channel pair last set up completely.
type session struct {
	conn Connection
	ch   Channel
}

// NewManager creates a Manager. It does not connect; the first Connect or
// EnsureLive does.
func NewManager(cfg *Config, dialer Dialer, logger zerolog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if dialer == nil {
		return nil, fmt.Errorf("dialer cannot be nil")
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		specs:  QueueSpecs(cfg.MessageTTL),
		logger: logger.With().Str("component", "ConnectionManager").Str("broker", cfg.Redacted()).Logger(),
	}, nil
}

// Connect establishes a fresh connection and channel, enables publisher
// confirms where supported and declares every destination. Leftovers from a
// previous session are discarded first. Failures are logged and retried with
// backoff until the attempt budget is spent or ctx is done; the result reports
// whether a live channel now exists.
func (m *Manager) Connect(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

func (m *Manager) connectLocked(ctx context.Context) bool {
	m.discardLocked()

	backoff := retry.NewBackoff(m.cfg.ConnectBackoff)
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			m.logger.Debug().Msg("Connect abandoned, context done.")
			return false
		}

		err := m.openLocked(ctx)
		if err == nil {
			m.logger.Info().Int("attempt", attempt).Msg("Connected to broker.")
			return true
		}
		m.discardLocked()

		if m.cfg.MaxConnectAttempts > 0 && attempt >= m.cfg.MaxConnectAttempts {
			m.logger.Error().Err(err).Int("attempts", attempt).Msg("Could not connect to broker, giving up.")
			return false
		}
		delay := backoff.Next()
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Connection attempt failed.")
		if !retry.Sleep(ctx, delay) {
			return false
		}
	}
}

func (m *Manager) openLocked(ctx context.Context) error {
	conn, err := m.dialer.Dial(ctx, m.cfg)
	if err != nil {
		return err
	}
	m.conn = conn
	return m.setupChannelLocked()
}

// setupChannelLocked opens a channel on the current connection, enables
// confirms and declares the destinations. m.ch is only set on full success.
func (m *Manager) setupChannelLocked() error {
	ch, err := m.conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(); err != nil {
		m.logger.Warn().Err(err).Msg("Publisher confirms not available, publishing unconfirmed.")
		if ch.IsClosed() {
			// Brokers close the channel on a rejected confirm.select.
			if ch, err = m.conn.Channel(); err != nil {
				return err
			}
		}
	}

	if err := declareAll(ch, m.specs); err != nil {
		_ = ch.Close()
		return err
	}
	m.ch = ch
	m.publishLocked()
	return nil
}

// publishLocked makes the current fields visible to lock-free readers.
func (m *Manager) publishLocked() {
	if m.conn == nil || m.ch == nil {
		m.current.Store(nil)
		return
	}
	m.current.Store(&session{conn: m.conn, ch: m.ch})
}

func declareAll(ch Channel, specs []QueueSpec) error {
	for _, spec := range specs {
		if err := ch.DeclareQueue(spec); err != nil {
			return err
		}
	}
	return nil
}

// EnsureLive is the precondition check run before every publish. A missing or
// closed connection triggers a full Connect. A missing or closed channel on a
// healthy connection is reopened on that connection; if the reopen fails the
// manager falls back to a full Connect.
func (m *Manager) EnsureLive(ctx context.Context) (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || m.conn.IsClosed() {
		if !m.connectLocked(ctx) {
			return nil, false
		}
		return m.ch, true
	}

	if m.ch == nil || m.ch.IsClosed() {
		if m.ch != nil {
			_ = m.ch.Close()
			m.ch = nil
			m.publishLocked()
		}
		err := m.setupChannelLocked()
		if err == nil {
			m.logger.Info().Msg("Channel reopened on existing connection.")
			return m.ch, true
		}
		m.logger.Warn().Err(err).Msg("Channel reopen failed, reconnecting.")
		if !m.connectLocked(ctx) {
			return nil, false
		}
	}
	return m.ch, true
}

// Declare redeclares every destination on the current channel.
func (m *Manager) Declare() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil {
		return ErrNoChannel
	}
	return declareAll(m.ch, m.specs)
}

// Keepalive services the current connection for at most limit. It returns a
// transient error if there is no connection or it was lost.
func (m *Manager) Keepalive(ctx context.Context, limit time.Duration) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return Transient("keepalive", ErrNoChannel)
	}
	return conn.Process(ctx, limit)
}

// Channel returns the channel of the last completed setup, or nil. It does
// not wait for a connect in progress.
func (m *Manager) Channel() Channel {
	if s := m.current.Load(); s != nil {
		return s.ch
	}
	return nil
}

// Connection returns the connection of the last completed setup, or nil. It
// does not wait for a connect in progress.
func (m *Manager) Connection() Connection {
	if s := m.current.Load(); s != nil {
		return s.conn
	}
	return nil
}

// Live reports whether both a connection and a channel are open. It never
// blocks on a connect in progress.
func (m *Manager) Live() bool {
	s := m.current.Load()
	return s != nil && !s.conn.IsClosed() && !s.ch.IsClosed()
}

// Discard force-closes and forgets the connection and channel so the next
// EnsureLive reconnects from scratch.
func (m *Manager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discardLocked()
}

func (m *Manager) discardLocked() {
	m.current.Store(nil)
	if m.ch != nil {
		_ = m.ch.Close()
		m.ch = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// Close shuts the connection down. Errors are logged and swallowed; it is safe
// to call repeatedly and before any connection was made.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current.Store(nil)
	if m.conn == nil && m.ch == nil {
		return
	}
	if m.ch != nil {
		if err := m.ch.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("Error closing channel.")
		}
		m.ch = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("Error closing connection.")
		}
		m.conn = nil
	}
	m.logger.Info().Msg("Broker connection closed.")
}
