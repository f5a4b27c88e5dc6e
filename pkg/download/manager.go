package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// UnknownPlatform is reported when no provider recognises a URL.
const UnknownPlatform = "unknown"

var (
	// ErrUnsupportedURL is returned when no provider recognises the URL.
	ErrUnsupportedURL = errors.New("unsupported url")
	// ErrNoContentID is returned when the provider matched the host but not the path.
	ErrNoContentID = errors.New("could not extract content id")
	// ErrEmptyVideo is returned when a fetch succeeds with no data.
	ErrEmptyVideo = errors.New("downloaded video is empty")
)

// Tracker receives the analytics for each download. *stats.Collector
// implements it.
type Tracker interface {
	TrackUserRequest(ctx context.Context, userID int64, username, platform string)
	TrackProviderAttempt(ctx context.Context, platform string)
	TrackDownloadSuccess(ctx context.Context, userID int64, username, platform string, videoSize int64, elapsed time.Duration)
	TrackDownloadFailure(ctx context.Context, userID int64, username, platform, errText string, elapsed *time.Duration)
}

// Result is a completed download.
type Result struct {
	Video
	Ref     Ref
	Elapsed time.Duration
}

// Manager picks the provider for a URL, fetches it and reports the outcome.
type Manager struct {
	providers []Provider
	tracker   Tracker
	now       func() time.Time
	logger    zerolog.Logger
}

// NewManager creates a Manager. Providers are consulted in order.
func NewManager(providers []Provider, tracker Tracker, logger zerolog.Logger) (*Manager, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker cannot be nil")
	}
	return &Manager{
		providers: providers,
		tracker:   tracker,
		now:       time.Now,
		logger:    logger.With().Str("component", "DownloadManager").Logger(),
	}, nil
}

// WithClock replaces time.Now for timing downloads.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Resolve returns the first provider that accepts raw.
func (m *Manager) Resolve(raw string) (Provider, bool) {
	for _, p := range m.providers {
		if p.IsValidURL(raw) {
			return p, true
		}
	}
	return nil, false
}

// Platform returns the platform tag for raw, or UnknownPlatform.
func (m *Manager) Platform(raw string) string {
	if p, ok := m.Resolve(raw); ok {
		return p.Name()
	}
	return UnknownPlatform
}

// Download fetches the content at raw on behalf of a user. Every call emits
// a user request and then exactly one success or failure.
func (m *Manager) Download(ctx context.Context, userID int64, username, raw string) (Result, error) {
	p, ok := m.Resolve(raw)
	platform := UnknownPlatform
	if ok {
		platform = p.Name()
	}
	m.tracker.TrackUserRequest(ctx, userID, username, platform)

	if !ok {
		m.tracker.TrackDownloadFailure(ctx, userID, username, platform, ErrUnsupportedURL.Error(), nil)
		return Result{}, ErrUnsupportedURL
	}

	ref, ok := p.ExtractID(raw)
	if !ok {
		m.tracker.TrackDownloadFailure(ctx, userID, username, platform, ErrNoContentID.Error(), nil)
		return Result{}, ErrNoContentID
	}

	m.tracker.TrackProviderAttempt(ctx, platform)
	start := m.now()
	video, err := p.Download(ctx, ref)
	elapsed := m.now().Sub(start)

	if err == nil && len(video.Data) == 0 {
		err = ErrEmptyVideo
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("platform", platform).Str("id", ref.ID).Dur("elapsed", elapsed).Msg("Download failed.")
		m.tracker.TrackDownloadFailure(ctx, userID, username, platform, err.Error(), &elapsed)
		return Result{}, fmt.Errorf("%s download of %s failed: %w", platform, ref.ID, err)
	}

	m.logger.Info().Str("platform", platform).Str("id", ref.ID).Int("bytes", len(video.Data)).Dur("elapsed", elapsed).Msg("Download complete.")
	m.tracker.TrackDownloadSuccess(ctx, userID, username, platform, int64(len(video.Data)), elapsed)
	return Result{Video: video, Ref: ref, Elapsed: elapsed}, nil
}
