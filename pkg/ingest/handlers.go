// Package ingest exposes the analytics send API over HTTP so that processes
// without an AMQP client can emit events through the relay.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/illmade-knight/go-analytics/pkg/analytics"
	"github.com/illmade-knight/go-analytics/pkg/events"
	"github.com/rs/zerolog"
)

// MaxBodyBytes bounds a request body.
const MaxBodyBytes = 1 << 20

// UserStatsRequest is the body of POST /v1/events/user.
type UserStatsRequest struct {
	UserID   *int64            `json:"user_id"`
	Username string            `json:"username"`
	Action   events.UserAction `json:"action"`
	Platform string            `json:"platform"`
	Success  *bool             `json:"success"`
}

// Validate checks the request.
func (r UserStatsRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.UserID, validation.NotNil),
		validation.Field(&r.Action, validation.Required,
			validation.In(events.UserDownloadRequest, events.UserDownloadSuccess, events.UserDownloadFailed)),
		validation.Field(&r.Platform, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Success, validation.NotNil),
	)
}

// ProviderStatsRequest is the body of POST /v1/events/provider.
type ProviderStatsRequest struct {
	Platform       string                `json:"platform"`
	Action         events.ProviderAction `json:"action"`
	Success        *bool                 `json:"success"`
	VideoSize      *int64                `json:"video_size"`
	ProcessingTime *float64              `json:"processing_time"`
}

// Validate checks the request.
func (r ProviderStatsRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Platform, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Action, validation.Required,
			validation.In(events.ProviderDownloadAttempt, events.ProviderDownloadSuccess, events.ProviderDownloadFailed)),
		validation.Field(&r.Success, validation.NotNil),
		validation.Field(&r.VideoSize, validation.Min(int64(0))),
		validation.Field(&r.ProcessingTime, validation.Min(0.0)),
	)
}

// BotEventRequest is the body of POST /v1/events/bot.
type BotEventRequest struct {
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
}

// Validate checks the request.
func (r BotEventRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.EventType, validation.Required, validation.Length(1, 64)),
	)
}

// ErrorResponse is returned with every 4xx.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// AcceptedResponse is returned with 202.
type AcceptedResponse struct {
	Status      string `json:"status"`
	Destination string `json:"destination"`
}

// Handler forwards validated requests to an analytics.Sender.
type Handler struct {
	sender analytics.Sender
	logger zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(sender analytics.Sender, logger zerolog.Logger) (*Handler, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	return &Handler{
		sender: sender,
		logger: logger.With().Str("component", "IngestHandler").Logger(),
	}, nil
}

// Register adds the event routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events/user", h.HandleUserStats)
	mux.HandleFunc("POST /v1/events/provider", h.HandleProviderStats)
	mux.HandleFunc("POST /v1/events/bot", h.HandleBotEvent)
}

// HandleUserStats handles POST /v1/events/user.
func (h *Handler) HandleUserStats(w http.ResponseWriter, r *http.Request) {
	var req UserStatsRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.sender.SendUserStats(detach(r), *req.UserID, req.Username, req.Action, req.Platform, *req.Success)
	h.accepted(w, "user_stats")
}

// HandleProviderStats handles POST /v1/events/provider.
func (h *Handler) HandleProviderStats(w http.ResponseWriter, r *http.Request) {
	var req ProviderStatsRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.sender.SendProviderStats(detach(r), req.Platform, req.Action, *req.Success, req.VideoSize, req.ProcessingTime)
	h.accepted(w, "provider_stats")
}

// HandleBotEvent handles POST /v1/events/bot.
func (h *Handler) HandleBotEvent(w http.ResponseWriter, r *http.Request) {
	var req BotEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.sender.SendBotEvent(detach(r), req.EventType, req.Data)
	h.accepted(w, "bot_events")
}

// detach keeps a synchronous send alive after the client hangs up.
func detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req validation.Validatable) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(req); err != nil {
		h.respondError(w, "invalid JSON", err.Error())
		return false
	}
	if err := req.Validate(); err != nil {
		h.respondError(w, "validation failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) accepted(w http.ResponseWriter, destination string) {
	h.respond(w, http.StatusAccepted, AcceptedResponse{Status: "accepted", Destination: destination})
}

func (h *Handler) respondError(w http.ResponseWriter, msg, detail string) {
	h.logger.Debug().Str("error", msg).Str("detail", detail).Msg("Rejected ingest request.")
	h.respond(w, http.StatusBadRequest, ErrorResponse{Error: msg, Message: detail})
}

func (h *Handler) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("Failed to write response.")
	}
}
