// analytics-relay owns a long-lived analytics client and accepts events over
// HTTP, publishing them to RabbitMQ. Events that exhaust their retries are
// spooled and replayed while the broker is reachable.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/analytics"
	"github.com/illmade-knight/go-analytics/pkg/ingest"
	"github.com/illmade-knight/go-analytics/pkg/microservice"
	"github.com/illmade-knight/go-analytics/pkg/spool"
	"github.com/illmade-knight/go-analytics/pkg/stats"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	serviceName = "analytics-relay"

	envReplayInterval = "SPOOL_REPLAY_INTERVAL"
	replayBatch       = 100
	shutdownTimeout   = 10 * time.Second
)

func main() {
	baseCfg := microservice.LoadBaseConfigFromEnv(serviceName)
	logger := microservice.NewLogger(baseCfg)
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, baseCfg, logger); err != nil {
		logger.Error().Err(err).Msg("Relay exited with error.")
		os.Exit(1)
	}
}

func run(ctx context.Context, baseCfg *microservice.BaseConfig, logger zerolog.Logger) error {
	store, err := spool.New(ctx, spool.LoadConfigFromEnv(), logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close spool.")
			}
		}()
	}

	var opts []analytics.Option
	if store != nil {
		opts = append(opts, analytics.WithSpool(store))
	}
	// The client outlives the signal context so the stop event can still be sent.
	client, err := analytics.NewClient(context.WithoutCancel(ctx), analytics.LoadConfigFromEnv(), logger, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	collector := stats.NewCollector(client, logger)

	handler, err := ingest.NewHandler(client, logger)
	if err != nil {
		return err
	}
	server := microservice.NewBaseServer(logger, baseCfg.HTTPPort)
	server.AddHealthCheck("broker", client.Live)
	handler.Register(server.Mux())
	if err := server.Start(); err != nil {
		return err
	}

	collector.TrackBotStart(ctx)
	if store != nil {
		go replayLoop(ctx, client, replayInterval(), logger)
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	serverErr := server.Shutdown(shutdownCtx)

	collector.TrackBotStop(context.WithoutCancel(ctx))
	if serverErr != nil && !errors.Is(serverErr, context.DeadlineExceeded) {
		return serverErr
	}
	return nil
}

func replayInterval() time.Duration {
	v := os.Getenv(envReplayInterval)
	if v == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warn().Str("env", envReplayInterval).Str("value", v).Msg("Invalid replay interval, using 1m.")
		return time.Minute
	}
	return d
}

func replayLoop(ctx context.Context, client *analytics.Client, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !client.Live() {
				continue
			}
			if _, err := client.Replay(ctx, replayBatch); err != nil {
				logger.Warn().Err(err).Msg("Spool replay failed.")
			}
		}
	}
}
