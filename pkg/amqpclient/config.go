package amqpclient

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/retry"
	"github.com/rs/zerolog/log"
)

// Config holds the broker connection parameters and the connect budget.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// VHost is the virtual-host namespace, "/" by default.
	VHost string

	// Heartbeat is the negotiated keepalive interval.
	Heartbeat time.Duration
	// ConnectTimeout bounds the TCP dial and the protocol handshake.
	ConnectTimeout time.Duration
	// ConfirmTimeout bounds the wait for a publisher confirmation.
	ConfirmTimeout time.Duration
	// BlockedTimeout closes a connection the broker has kept blocked (resource alarm) for this long.
	BlockedTimeout time.Duration

	// MaxConnectAttempts limits Connect; zero means retry until the context is done.
	MaxConnectAttempts int
	// ConnectBackoff is the delay policy between connection attempts.
	ConnectBackoff retry.Strategy

	// MessageTTL is applied to every declared destination.
	MessageTTL time.Duration

	// TLS switches the scheme to amqps.
	TLS                bool
	CACertFile         string
	InsecureSkipVerify bool
}

// Env constants for broker settings.
const (
	EnvHost            = "RABBITMQ_HOST"
	EnvPort            = "RABBITMQ_PORT"
	EnvUser            = "RABBITMQ_USER"
	EnvPassword        = "RABBITMQ_PASSWORD"
	EnvVHost           = "RABBITMQ_VHOST"
	EnvHeartbeat       = "RMQ_HEARTBEAT"
	EnvConnectMaxTries = "RMQ_CONNECT_MAX_TRIES"
	EnvConnectTimeout  = "RMQ_CONNECT_TIMEOUT"
	EnvConfirmTimeout  = "RMQ_CONFIRM_TIMEOUT"
	EnvMessageTTL      = "RMQ_MESSAGE_TTL"
	EnvTLS             = "RMQ_TLS"
	EnvCACertFile      = "RMQ_CA_CERT_FILE"
)

// NewConfigDefaults provides a config with the documented defaults.
func NewConfigDefaults() *Config {
	return &Config{
		Host:               "localhost",
		Port:               5672,
		Username:           "admin",
		Password:           "password123",
		VHost:              "/",
		Heartbeat:          120 * time.Second,
		ConnectTimeout:     10 * time.Second,
		ConfirmTimeout:     10 * time.Second,
		BlockedTimeout:     300 * time.Second,
		MaxConnectAttempts: 3,
		ConnectBackoff:     retry.ConnectStrategy(),
		MessageTTL:         DefaultMessageTTL,
	}
}

// LoadConfigFromEnv starts from NewConfigDefaults and applies any broker
// settings found in the environment. Unparseable values keep their default.
func LoadConfigFromEnv() *Config {
	cfg := NewConfigDefaults()

	if v := os.Getenv(EnvHost); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		} else {
			log.Warn().Err(err).Str("env", EnvPort).Msg("amqpclient: invalid port, using default")
		}
	}
	if v := os.Getenv(EnvUser); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv(EnvVHost); v != "" {
		cfg.VHost = v
	}
	cfg.Heartbeat = envSeconds(EnvHeartbeat, cfg.Heartbeat)
	cfg.ConnectTimeout = envSeconds(EnvConnectTimeout, cfg.ConnectTimeout)
	cfg.ConfirmTimeout = envSeconds(EnvConfirmTimeout, cfg.ConfirmTimeout)
	if v := os.Getenv(EnvConnectMaxTries); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxConnectAttempts = n
		} else {
			log.Warn().Str("env", EnvConnectMaxTries).Str("value", v).Msg("amqpclient: invalid connect budget, using default")
		}
	}
	if v := os.Getenv(EnvMessageTTL); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.MessageTTL = d
		} else {
			log.Warn().Str("env", EnvMessageTTL).Str("value", v).Msg("amqpclient: invalid message ttl, using default")
		}
	}
	if v := os.Getenv(EnvTLS); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TLS = b
		}
	}
	if v := os.Getenv(EnvCACertFile); v != "" {
		cfg.CACertFile = v
	}
	return cfg
}

// envSeconds reads a non-negative integer number of seconds.
func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Warn().Str("env", key).Str("value", v).Msg("amqpclient: invalid seconds value, using default")
		return def
	}
	return time.Duration(n) * time.Second
}

// URL renders the connection URI. The vhost is path-escaped, so the default
// "/" becomes "%2F".
func (c *Config) URL() string {
	scheme := "amqp"
	if c.TLS {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme:  scheme,
		User:    url.UserPassword(c.Username, c.Password),
		Host:    net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:    "/" + c.VHost,
		RawPath: "/" + url.PathEscape(c.VHost),
	}
	return u.String()
}

// Redacted is URL without the password, for logs.
func (c *Config) Redacted() string {
	u, err := url.Parse(c.URL())
	if err != nil {
		return c.Host
	}
	return u.Redacted()
}

// KeepaliveSlice is the bounded time the background worker spends servicing
// connection events per idle cycle: half the heartbeat, clamped to [floor, ceiling].
func (c *Config) KeepaliveSlice(floor, ceiling time.Duration) time.Duration {
	slice := c.Heartbeat / 2
	if slice > ceiling {
		slice = ceiling
	}
	if slice < floor {
		slice = floor
	}
	return slice
}
