// Package events defines the analytics messages published to the broker. Each
// message is a value built once with its timestamp and never mutated.
package events

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/illmade-knight/go-analytics/pkg/amqpclient"
)

// TimestampFormat is the ISO-8601 layout of every message timestamp.
const TimestampFormat = time.RFC3339Nano

// UserAction tags a user_stats message.
type UserAction string

const (
	UserDownloadRequest UserAction = "download_request"
	UserDownloadSuccess UserAction = "download_success"
	UserDownloadFailed  UserAction = "download_failed"
)

// ProviderAction tags a provider_stats message.
type ProviderAction string

const (
	ProviderDownloadAttempt ProviderAction = "download_attempt"
	ProviderDownloadSuccess ProviderAction = "download_success"
	ProviderDownloadFailed  ProviderAction = "download_failed"
)

// Event is a message that knows where it is published.
type Event interface {
	Destination() amqpclient.Destination
}

// UserStats records what a user asked for and how it went.
type UserStats struct {
	Timestamp string     `json:"timestamp"`
	UserID    int64      `json:"user_id"`
	Username  string     `json:"username"`
	Action    UserAction `json:"action"`
	Platform  string     `json:"platform"`
	Success   bool       `json:"success"`
}

// NewUserStats builds a user event stamped at at. An empty username is
// replaced by the synthesized display name.
func NewUserStats(at time.Time, userID int64, username string, action UserAction, platform string, success bool) UserStats {
	return UserStats{
		Timestamp: Stamp(at),
		UserID:    userID,
		Username:  DisplayName(userID, username),
		Action:    action,
		Platform:  platform,
		Success:   success,
	}
}

// Destination implements Event.
func (UserStats) Destination() amqpclient.Destination { return amqpclient.UserStats }

// Validate checks the action tag. Every other field is accepted as given.
func (u UserStats) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.Timestamp, validation.Required),
		validation.Field(&u.Action, validation.Required,
			validation.In(UserDownloadRequest, UserDownloadSuccess, UserDownloadFailed)),
	)
}

// ProviderStats records the outcome of a download against a platform. The
// size and duration are serialized as null when unknown.
type ProviderStats struct {
	Timestamp      string         `json:"timestamp"`
	Platform       string         `json:"platform"`
	Action         ProviderAction `json:"action"`
	Success        bool           `json:"success"`
	VideoSize      *int64         `json:"video_size"`
	ProcessingTime *float64       `json:"processing_time"`
}

// NewProviderStats builds a provider event stamped at at.
func NewProviderStats(at time.Time, platform string, action ProviderAction, success bool, videoSize *int64, processingTime *float64) ProviderStats {
	return ProviderStats{
		Timestamp:      Stamp(at),
		Platform:       platform,
		Action:         action,
		Success:        success,
		VideoSize:      copyPtr(videoSize),
		ProcessingTime: copyPtr(processingTime),
	}
}

// Destination implements Event.
func (ProviderStats) Destination() amqpclient.Destination { return amqpclient.ProviderStats }

// Validate checks the action tag. Every other field is accepted as given.
func (p ProviderStats) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Timestamp, validation.Required),
		validation.Field(&p.Action, validation.Required,
			validation.In(ProviderDownloadAttempt, ProviderDownloadSuccess, ProviderDownloadFailed)),
	)
}

// BotEvent is a free-form event with a JSON-serializable payload.
type BotEvent struct {
	Timestamp string                 `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
}

// NewBotEvent builds a bot event stamped at at. The payload map is copied
// (one level deep); a nil payload becomes an empty object.
func NewBotEvent(at time.Time, eventType string, data map[string]interface{}) BotEvent {
	payload := make(map[string]interface{}, len(data))
	for k, v := range data {
		payload[k] = v
	}
	return BotEvent{
		Timestamp: Stamp(at),
		EventType: eventType,
		Data:      payload,
	}
}

// Destination implements Event.
func (BotEvent) Destination() amqpclient.Destination { return amqpclient.BotEvents }

// Validate only requires the timestamp; the event type is free-form.
func (b BotEvent) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Timestamp, validation.Required),
	)
}

// Stamp renders t as a UTC ISO-8601 timestamp.
func Stamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// DisplayName returns username, or "user_<id>" when it is empty.
func DisplayName(userID int64, username string) string {
	if username != "" {
		return username
	}
	return fmt.Sprintf("user_%d", userID)
}

// Ptr returns a pointer to v, for the optional provider fields.
func Ptr[T any](v T) *T {
	return &v
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
