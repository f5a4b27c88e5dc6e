package microservice_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/microservice"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBaseConfigFromEnv(t *testing.T) {
	cfg := microservice.LoadBaseConfigFromEnv("relay")
	assert.Equal(t, "relay", cfg.ServiceName)
	assert.Equal(t, ":8080", cfg.HTTPPort)
	assert.Equal(t, "info", cfg.LogLevel)

	t.Setenv(microservice.EnvHTTPPort, "9090")
	t.Setenv(microservice.EnvLogLevel, "debug")
	t.Setenv(microservice.EnvLogFormat, "console")
	cfg = microservice.LoadBaseConfigFromEnv("relay")
	assert.Equal(t, ":9090", cfg.HTTPPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestNewLogger_SetsGlobalLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	microservice.NewLogger(&microservice.BaseConfig{ServiceName: "relay", LogLevel: "warn"})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	microservice.NewLogger(&microservice.BaseConfig{ServiceName: "relay", LogLevel: "nonsense"})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func healthz(t *testing.T, s *microservice.BaseServer) microservice.HealthResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp microservice.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealthz_ReportsChecks(t *testing.T) {
	s := microservice.NewBaseServer(zerolog.Nop(), ":0")
	assert.Equal(t, "ok", healthz(t, s).Status)

	var live atomic.Bool
	s.AddHealthCheck("broker", live.Load)

	resp := healthz(t, s)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, map[string]bool{"broker": false}, resp.Checks)

	live.Store(true)
	resp = healthz(t, s)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Checks["broker"])
}

func TestBaseServer_StartAndShutdown(t *testing.T) {
	s := microservice.NewBaseServer(zerolog.Nop(), ":0")
	require.NoError(t, s.Start())

	port := s.GetHTTPPort()
	assert.NotEqual(t, ":0", port)

	resp, err := http.Get("http://localhost" + port + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
