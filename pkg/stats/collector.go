// Package stats composes the analytics sends made for each logical action of
// the downloader, for the platforms it knows about.
package stats

import (
	"context"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/analytics"
	"github.com/illmade-knight/go-analytics/pkg/events"
	"github.com/rs/zerolog"
)

// KnownPlatforms are the platform tags analytics are collected for.
var KnownPlatforms = []string{"instagram", "tiktok", "youtube", "likee", "facebook", "rutube", "reddit"}

var knownPlatforms = func() map[string]struct{} {
	m := make(map[string]struct{}, len(KnownPlatforms))
	for _, p := range KnownPlatforms {
		m[p] = struct{}{}
	}
	return m
}()

// IsKnownPlatform reports whether platform is tracked.
func IsKnownPlatform(platform string) bool {
	_, ok := knownPlatforms[platform]
	return ok
}

// Collector turns downloader activity into analytics events.
type Collector struct {
	sender analytics.Sender
	now    func() time.Time
	logger zerolog.Logger
}

// NewCollector creates a Collector publishing through sender.
func NewCollector(sender analytics.Sender, logger zerolog.Logger) *Collector {
	return &Collector{
		sender: sender,
		now:    time.Now,
		logger: logger.With().Str("component", "StatsCollector").Logger(),
	}
}

// WithClock replaces time.Now for the bot lifecycle payloads.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

func (c *Collector) track(platform string) bool {
	if IsKnownPlatform(platform) {
		return true
	}
	c.logger.Debug().Str("platform", platform).Msg("Skipping stats for unknown platform.")
	return false
}

// TrackUserRequest records that a user asked for a download.
func (c *Collector) TrackUserRequest(ctx context.Context, userID int64, username, platform string) {
	if !c.track(platform) {
		return
	}
	c.sender.SendUserStats(ctx, userID, events.DisplayName(userID, username), events.UserDownloadRequest, platform, true)
	c.logger.Info().Int64("user_id", userID).Str("platform", platform).Msg("Tracked user request.")
}

// TrackDownloadSuccess records a completed download for the user and the platform.
func (c *Collector) TrackDownloadSuccess(ctx context.Context, userID int64, username, platform string, videoSize int64, elapsed time.Duration) {
	if !c.track(platform) {
		return
	}
	c.sender.SendUserStats(ctx, userID, events.DisplayName(userID, username), events.UserDownloadSuccess, platform, true)
	c.sender.SendProviderStats(ctx, platform, events.ProviderDownloadSuccess, true, events.Ptr(videoSize), events.Ptr(elapsed.Seconds()))
	c.logger.Info().
		Int64("user_id", userID).
		Str("platform", platform).
		Int64("video_size", videoSize).
		Dur("processing_time", elapsed).
		Msg("Tracked successful download.")
}

// TrackDownloadFailure records a failed download: a user event, a provider
// event and a download_error bot event. elapsed may be nil when unknown.
func (c *Collector) TrackDownloadFailure(ctx context.Context, userID int64, username, platform, errText string, elapsed *time.Duration) {
	if !c.track(platform) {
		return
	}
	var seconds *float64
	if elapsed != nil {
		seconds = events.Ptr(elapsed.Seconds())
	}

	c.sender.SendUserStats(ctx, userID, events.DisplayName(userID, username), events.UserDownloadFailed, platform, false)
	c.sender.SendProviderStats(ctx, platform, events.ProviderDownloadFailed, false, nil, seconds)
	c.sender.SendBotEvent(ctx, "download_error", map[string]interface{}{
		"user_id":         userID,
		"platform":        platform,
		"error":           errText,
		"processing_time": seconds,
	})
	c.logger.Info().Int64("user_id", userID).Str("platform", platform).Str("error", errText).Msg("Tracked failed download.")
}

// TrackProviderAttempt records that a platform is about to be hit.
func (c *Collector) TrackProviderAttempt(ctx context.Context, platform string) {
	if !c.track(platform) {
		return
	}
	c.sender.SendProviderStats(ctx, platform, events.ProviderDownloadAttempt, true, nil, nil)
	c.logger.Debug().Str("platform", platform).Msg("Tracked provider attempt.")
}

// TrackBotStart records bot startup.
func (c *Collector) TrackBotStart(ctx context.Context) {
	c.sender.SendBotEvent(ctx, "bot_started", map[string]interface{}{"timestamp": unixSeconds(c.now())})
	c.logger.Info().Msg("Tracked bot start.")
}

// TrackBotStop records bot shutdown.
func (c *Collector) TrackBotStop(ctx context.Context) {
	c.sender.SendBotEvent(ctx, "bot_stopped", map[string]interface{}{"timestamp": unixSeconds(c.now())})
	c.logger.Info().Msg("Tracked bot stop.")
}

// TrackGroupAdded records the bot being added to a chat.
func (c *Collector) TrackGroupAdded(ctx context.Context, chatID int64, title, chatType string) {
	c.sender.SendBotEvent(ctx, "group_added", groupPayload(chatID, title, chatType))
	c.logger.Info().Int64("chat_id", chatID).Str("title", title).Msg("Tracked group added.")
}

// TrackGroupMessage records a message handled in a group chat.
func (c *Collector) TrackGroupMessage(ctx context.Context, chatID int64, title, chatType string) {
	c.sender.SendBotEvent(ctx, "group_message", groupPayload(chatID, title, chatType))
	c.logger.Debug().Int64("chat_id", chatID).Str("title", title).Msg("Tracked group message.")
}

func groupPayload(chatID int64, title, chatType string) map[string]interface{} {
	return map[string]interface{}{
		"chat_id":   chatID,
		"title":     title,
		"chat_type": chatType,
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
