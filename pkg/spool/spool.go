// Package spool keeps the bodies of events the publisher gave up on, so they
// can be replayed once the broker is reachable again.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-analytics/pkg/amqpclient"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Record is one permanently failed publish.
type Record struct {
	ID          string                 `json:"id"`
	Destination amqpclient.Destination `json:"destination"`
	Body        json.RawMessage        `json:"body"`
	FailedAt    time.Time              `json:"failed_at"`
	Reason      string                 `json:"reason"`
}

// NewRecord builds a Record with a fresh ID.
func NewRecord(dest amqpclient.Destination, body []byte, reason string, at time.Time) Record {
	return Record{
		ID:          uuid.NewString(),
		Destination: dest,
		Body:        append(json.RawMessage(nil), body...),
		FailedAt:    at.UTC(),
		Reason:      reason,
	}
}

// Spool stores failed records and hands them back oldest first.
type Spool interface {
	Store(ctx context.Context, rec Record) error
	// Drain removes and returns up to max records.
	Drain(ctx context.Context, max int) ([]Record, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Backend names.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config selects and configures a spool backend.
type Config struct {
	Backend string
	// MaxLen bounds the spool; the oldest records are dropped beyond it.
	MaxLen int
	Redis  RedisConfig
}

// Env constants for spool settings.
const (
	EnvBackend       = "SPOOL_BACKEND"
	EnvMaxLen        = "SPOOL_MAX_LEN"
	EnvRedisAddr     = "REDIS_ADDR"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvRedisDB       = "REDIS_DB"
	EnvKey           = "SPOOL_KEY"
	EnvTTL           = "SPOOL_TTL"
)

// LoadConfigFromEnv loads spool settings, defaulting to no spool.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Backend: BackendNone,
		MaxLen:  10000,
		Redis: RedisConfig{
			Addr: "localhost:6379",
			Key:  "analytics:spool",
			TTL:  72 * time.Hour,
		},
	}
	if v := os.Getenv(EnvBackend); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv(EnvMaxLen); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxLen = n
		} else {
			log.Warn().Str("env", EnvMaxLen).Str("value", v).Msg("spool: invalid max length, using default")
		}
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
	cfg.Redis.Password = os.Getenv(EnvRedisPassword)
	if v := os.Getenv(EnvRedisDB); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv(EnvKey); v != "" {
		cfg.Redis.Key = v
	}
	if v := os.Getenv(EnvTTL); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Redis.TTL = d
		} else {
			log.Warn().Err(err).Str("env", EnvTTL).Msg("spool: invalid ttl, using default")
		}
	}
	return cfg
}

// New builds the configured backend. BackendNone yields a nil Spool.
func New(ctx context.Context, cfg *Config, logger zerolog.Logger) (Spool, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return NewInMemorySpool(cfg.MaxLen), nil
	case BackendRedis:
		rcfg := cfg.Redis
		rcfg.MaxLen = cfg.MaxLen
		s, err := NewRedisSpool(ctx, &rcfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown spool backend %q", cfg.Backend)
	}
}
