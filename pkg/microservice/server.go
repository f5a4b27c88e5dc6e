// Package microservice holds the HTTP plumbing shared by the relay binaries.
package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvHTTPPort  = "HTTP_PORT"
	EnvLogLevel  = "LOG_LEVEL"
	EnvLogFormat = "LOG_FORMAT"
)

// BaseConfig holds common configuration fields for all services.
type BaseConfig struct {
	ServiceName string
	HTTPPort    string
	LogLevel    string
	LogFormat   string
}

// LoadBaseConfigFromEnv reads the service settings, defaulting to :8080 and info.
func LoadBaseConfigFromEnv(serviceName string) *BaseConfig {
	cfg := &BaseConfig{
		ServiceName: serviceName,
		HTTPPort:    ":8080",
		LogLevel:    "info",
		LogFormat:   os.Getenv(EnvLogFormat),
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		if v[0] != ':' {
			v = ":" + v
		}
		cfg.HTTPPort = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

// NewLogger builds the root logger for a service and sets the global level.
// An unknown level falls back to info.
func NewLogger(cfg *BaseConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.With().Timestamp().Str("service", cfg.ServiceName).Logger()
}

// HealthCheck reports whether a dependency is currently usable.
type HealthCheck func() bool

// BaseServer provides common functionalities for microservice servers.
type BaseServer struct {
	Logger     zerolog.Logger
	HTTPPort   string
	httpServer *http.Server
	mux        *http.ServeMux
	actualAddr string
	checks     map[string]HealthCheck
	mu         sync.RWMutex
}

// NewBaseServer creates and initializes a new BaseServer.
func NewBaseServer(logger zerolog.Logger, httpPort string) *BaseServer {
	s := &BaseServer{
		Logger:   logger.With().Str("component", "BaseServer").Logger(),
		HTTPPort: httpPort,
		mux:      http.NewServeMux(),
		checks:   make(map[string]HealthCheck),
	}
	s.mux.HandleFunc("GET /healthz", s.HealthzHandler)
	s.httpServer = &http.Server{
		Addr:              httpPort,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// AddHealthCheck reports the result of check under name on /healthz.
func (s *BaseServer) AddHealthCheck(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Start initiates the HTTP server in a background goroutine.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided context's deadline.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.Logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the port the server is listening on, which differs
// from HTTPPort when ":0" was requested.
func (s *BaseServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.HTTPPort
	}
	return ":" + port
}

// Mux returns the underlying ServeMux.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status string          `json:"status"`
	Checks map[string]bool `json:"checks,omitempty"`
}

// HealthzHandler always answers 200 while the process serves requests. The
// registered checks are reported in the body and degrade the status text.
func (s *BaseServer) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}

	s.mu.RLock()
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]bool, len(s.checks))
		for name, check := range s.checks {
			ok := check()
			resp.Checks[name] = ok
			if !ok {
				resp.Status = "degraded"
			}
		}
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
