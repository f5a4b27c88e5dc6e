package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Key is the Redis list holding the records.
	Key string
	// TTL is refreshed on every store; an untouched spool expires as a whole.
	TTL    time.Duration
	MaxLen int
}

// RedisSpool keeps records in a Redis list: LPUSH on store, RPOP on drain,
// so the tail is always the oldest record.
type RedisSpool struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	key         string
	ttl         time.Duration
	maxLen      int
}

// NewRedisSpool connects to Redis and pings it before returning.
func NewRedisSpool(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisSpool, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis spool key cannot be empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Str("key", cfg.Key).Msg("Successfully connected to Redis spool.")

	return &RedisSpool{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisSpool").Logger(),
		key:         cfg.Key,
		ttl:         cfg.TTL,
		maxLen:      cfg.MaxLen,
	}, nil
}

// Store pushes rec and trims the list to MaxLen in one transaction.
func (s *RedisSpool) Store(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal spool record: %w", err)
	}

	_, err = s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.key, data)
		if s.maxLen > 0 {
			pipe.LTrim(ctx, s.key, 0, int64(s.maxLen-1))
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, s.key, s.ttl)
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("record_id", rec.ID).Msg("Failed to store record in Redis spool.")
		return fmt.Errorf("failed to store in redis: %w", err)
	}
	s.logger.Debug().Str("record_id", rec.ID).Msg("Stored record in Redis spool.")
	return nil
}

// Drain pops up to max of the oldest records. Entries that fail to decode are
// logged and skipped.
func (s *RedisSpool) Drain(ctx context.Context, max int) ([]Record, error) {
	if max <= 0 {
		return nil, nil
	}
	raw, err := s.redisClient.RPopCount(ctx, s.key, max).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to drain redis spool: %w", err)
	}

	out := make([]Record, 0, len(raw))
	for _, entry := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			s.logger.Error().Err(err).Msg("Discarding undecodable spool entry.")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Len returns the length of the list.
func (s *RedisSpool) Len(ctx context.Context) (int, error) {
	n, err := s.redisClient.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read redis spool length: %w", err)
	}
	return int(n), nil
}

// Close closes the Redis client connection.
func (s *RedisSpool) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
