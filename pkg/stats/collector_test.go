package stats_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/events"
	"github.com/illmade-knight/go-analytics/pkg/stats"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// call records one invocation on the recording sender.
type call struct {
	Method         string
	UserID         int64
	Username       string
	UserAction     events.UserAction
	ProviderAction events.ProviderAction
	Platform       string
	Success        bool
	VideoSize      *int64
	ProcessingTime *float64
	EventType      string
	Data           map[string]interface{}
}

type recordingSender struct {
	mu    sync.Mutex
	calls []call
}

func (r *recordingSender) SendUserStats(_ context.Context, userID int64, username string, action events.UserAction, platform string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{Method: "user", UserID: userID, Username: username, UserAction: action, Platform: platform, Success: success})
}

func (r *recordingSender) SendProviderStats(_ context.Context, platform string, action events.ProviderAction, success bool, videoSize *int64, processingTime *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{Method: "provider", Platform: platform, ProviderAction: action, Success: success, VideoSize: videoSize, ProcessingTime: processingTime})
}

func (r *recordingSender) SendBotEvent(_ context.Context, eventType string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{Method: "bot", EventType: eventType, Data: data})
}

func newCollector() (*stats.Collector, *recordingSender) {
	sender := &recordingSender{}
	return stats.NewCollector(sender, zerolog.Nop()), sender
}

func TestIsKnownPlatform(t *testing.T) {
	for _, p := range []string{"instagram", "tiktok", "youtube", "likee", "facebook", "rutube", "reddit"} {
		assert.True(t, stats.IsKnownPlatform(p), p)
	}
	assert.False(t, stats.IsKnownPlatform("unknown"))
	assert.False(t, stats.IsKnownPlatform("YouTube"))
}

func TestCollector_UnknownPlatformsAreIgnored(t *testing.T) {
	c, sender := newCollector()
	ctx := context.Background()

	c.TrackUserRequest(ctx, 1, "a", "unknown")
	c.TrackDownloadSuccess(ctx, 1, "a", "unknown", 10, time.Second)
	c.TrackDownloadFailure(ctx, 1, "a", "unknown", "boom", nil)
	c.TrackProviderAttempt(ctx, "unknown")

	assert.Empty(t, sender.calls)
}

func TestCollector_TrackDownloadFailure(t *testing.T) {
	c, sender := newCollector()
	elapsed := 1500 * time.Millisecond

	c.TrackDownloadFailure(context.Background(), 7, "", "instagram", "private account", &elapsed)

	require.Len(t, sender.calls, 3)

	user := sender.calls[0]
	assert.Equal(t, "user", user.Method)
	assert.Equal(t, int64(7), user.UserID)
	assert.Equal(t, "user_7", user.Username)
	assert.Equal(t, events.UserDownloadFailed, user.UserAction)
	assert.Equal(t, "instagram", user.Platform)
	assert.False(t, user.Success)

	provider := sender.calls[1]
	assert.Equal(t, "provider", provider.Method)
	assert.Equal(t, events.ProviderDownloadFailed, provider.ProviderAction)
	assert.False(t, provider.Success)
	assert.Nil(t, provider.VideoSize)
	require.NotNil(t, provider.ProcessingTime)
	assert.InDelta(t, 1.5, *provider.ProcessingTime, 1e-9)

	bot := sender.calls[2]
	assert.Equal(t, "bot", bot.Method)
	assert.Equal(t, "download_error", bot.EventType)
	assert.Equal(t, int64(7), bot.Data["user_id"])
	assert.Equal(t, "instagram", bot.Data["platform"])
	assert.Equal(t, "private account", bot.Data["error"])
	assert.Contains(t, bot.Data, "processing_time")
}

func TestCollector_TrackDownloadFailure_WithoutTiming(t *testing.T) {
	c, sender := newCollector()
	c.TrackDownloadFailure(context.Background(), 3, "bob", "reddit", "404", nil)

	require.Len(t, sender.calls, 3)
	assert.Nil(t, sender.calls[1].ProcessingTime)
	assert.Nil(t, sender.calls[2].Data["processing_time"])
	assert.Equal(t, "bob", sender.calls[0].Username)
}

func TestCollector_TrackDownloadSuccess(t *testing.T) {
	c, sender := newCollector()
	c.TrackDownloadSuccess(context.Background(), 42, "alice", "youtube", 4096, 2*time.Second)

	require.Len(t, sender.calls, 2)
	assert.Equal(t, "user", sender.calls[0].Method)
	assert.Equal(t, events.UserDownloadSuccess, sender.calls[0].UserAction)
	assert.True(t, sender.calls[0].Success)

	provider := sender.calls[1]
	assert.Equal(t, events.ProviderDownloadSuccess, provider.ProviderAction)
	require.NotNil(t, provider.VideoSize)
	assert.Equal(t, int64(4096), *provider.VideoSize)
	assert.Equal(t, 2.0, *provider.ProcessingTime)
}

func TestCollector_TrackUserRequestAndAttempt(t *testing.T) {
	c, sender := newCollector()
	c.TrackUserRequest(context.Background(), 5, "", "likee")
	c.TrackProviderAttempt(context.Background(), "likee")

	require.Len(t, sender.calls, 2)
	assert.Equal(t, events.UserDownloadRequest, sender.calls[0].UserAction)
	assert.Equal(t, "user_5", sender.calls[0].Username)
	assert.True(t, sender.calls[0].Success)
	assert.Equal(t, events.ProviderDownloadAttempt, sender.calls[1].ProviderAction)
	assert.Nil(t, sender.calls[1].VideoSize)
	assert.Nil(t, sender.calls[1].ProcessingTime)
}

func TestCollector_BotLifecycle(t *testing.T) {
	c, sender := newCollector()
	c.WithClock(func() time.Time { return time.Unix(1700000000, 500000000) })

	c.TrackBotStart(context.Background())
	c.TrackBotStop(context.Background())

	require.Len(t, sender.calls, 2)
	assert.Equal(t, "bot_started", sender.calls[0].EventType)
	assert.Equal(t, "bot_stopped", sender.calls[1].EventType)
	assert.InDelta(t, 1700000000.5, sender.calls[0].Data["timestamp"], 1e-3)
}

func TestCollector_GroupEvents(t *testing.T) {
	c, sender := newCollector()
	c.TrackGroupAdded(context.Background(), -1001, "Cats", "supergroup")
	c.TrackGroupMessage(context.Background(), -1001, "Cats", "supergroup")

	require.Len(t, sender.calls, 2)
	want := map[string]interface{}{"chat_id": int64(-1001), "title": "Cats", "chat_type": "supergroup"}
	assert.Equal(t, "group_added", sender.calls[0].EventType)
	assert.Equal(t, want, sender.calls[0].Data)
	assert.Equal(t, "group_message", sender.calls[1].EventType)
	assert.Equal(t, want, sender.calls[1].Data)
}
