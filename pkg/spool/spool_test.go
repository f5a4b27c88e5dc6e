package spool_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/amqpclient"
	"github.com/illmade-knight/go-analytics/pkg/spool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord(t *testing.T) {
	body := []byte(`{"event_type":"bot_started"}`)
	rec := spool.NewRecord(amqpclient.BotEvents, body, "retries exhausted", time.Unix(100, 0))
	body[0] = 'X'

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, amqpclient.BotEvents, rec.Destination)
	assert.JSONEq(t, `{"event_type":"bot_started"}`, string(rec.Body), "body is copied")
	assert.Equal(t, time.UTC, rec.FailedAt.Location())
}

func TestInMemorySpool(t *testing.T) {
	ctx := context.Background()

	t.Run("Drains oldest first", func(t *testing.T) {
		s := spool.NewInMemorySpool(0)
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.Store(ctx, spool.Record{ID: id}))
		}

		got, err := s.Drain(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, "b", got[1].ID)

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err = s.Drain(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "c", got[0].ID)

		got, err = s.Drain(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Drops oldest beyond the bound", func(t *testing.T) {
		s := spool.NewInMemorySpool(2)
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.Store(ctx, spool.Record{ID: id}))
		}
		got, err := s.Drain(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "b", got[0].ID)
		assert.Equal(t, "c", got[1].ID)
		assert.NoError(t, s.Close())
	})
}

func TestLoadConfigFromEnv(t *testing.T) {
	cfg := spool.LoadConfigFromEnv()
	assert.Equal(t, spool.BackendNone, cfg.Backend)
	assert.Equal(t, "analytics:spool", cfg.Redis.Key)
	assert.Equal(t, 72*time.Hour, cfg.Redis.TTL)
	assert.Equal(t, 10000, cfg.MaxLen)

	t.Setenv(spool.EnvBackend, spool.BackendMemory)
	t.Setenv(spool.EnvMaxLen, "5")
	t.Setenv(spool.EnvTTL, "1h")
	cfg = spool.LoadConfigFromEnv()
	assert.Equal(t, spool.BackendMemory, cfg.Backend)
	assert.Equal(t, 5, cfg.MaxLen)
	assert.Equal(t, time.Hour, cfg.Redis.TTL)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := spool.New(ctx, &spool.Config{Backend: spool.BackendNone}, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = spool.New(ctx, &spool.Config{Backend: spool.BackendMemory, MaxLen: 3}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &spool.InMemorySpool{}, s)

	_, err = spool.New(ctx, &spool.Config{Backend: "kafka"}, zerolog.Nop())
	assert.Error(t, err)
}
