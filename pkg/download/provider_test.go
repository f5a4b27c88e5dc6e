package download_test

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-analytics/pkg/download"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providerByName(t *testing.T, name string) download.Provider {
	t.Helper()
	for _, p := range download.KnownProviders(nil) {
		if p.Name() == name {
			return p
		}
	}
	t.Fatalf("no provider named %s", name)
	return nil
}

func TestKnownProviders_Names(t *testing.T) {
	var names []string
	for _, p := range download.KnownProviders(nil) {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"instagram", "tiktok", "youtube", "likee", "facebook", "rutube", "reddit"}, names)
}

func TestPatternProvider_ExtractID(t *testing.T) {
	testCases := []struct {
		name     string
		provider string
		url      string
		kind     string
		id       string
	}{
		{"instagram post", "instagram", "https://www.instagram.com/p/ABC123/?igshid=x", "post", "ABC123"},
		{"instagram reel", "instagram", "https://instagram.com/reel/XyZ/", "reel", "XyZ"},
		{"instagram reels", "instagram", "https://www.instagram.com/reels/Q1w2/", "reels", "Q1w2"},
		{"instagram tv", "instagram", "https://www.instagram.com/tv/TV9/", "tv", "TV9"},
		{"instagram story", "instagram", "https://www.instagram.com/stories/someone/3141592/", "story", "3141592"},
		{"youtube watch", "youtube", "https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=10", "watch", "dQw4w9WgXcQ"},
		{"youtube short link", "youtube", "https://youtu.be/dQw4w9WgXcQ?si=abc", "watch", "dQw4w9WgXcQ"},
		{"youtube shorts", "youtube", "https://youtube.com/shorts/abc123", "watch", "abc123"},
		{"tiktok video", "tiktok", "https://www.tiktok.com/@user/video/7234567890123456789", "video", "7234567890123456789"},
		{"tiktok t link", "tiktok", "https://www.tiktok.com/t/ZTabc/", "short", "ZTabc"},
		{"tiktok vm link", "tiktok", "https://vm.tiktok.com/ZMabc/", "short", "ZMabc"},
		{"tiktok vt link", "tiktok", "https://vt.tiktok.com/ZSxyz", "short", "ZSxyz"},
		{"likee video", "likee", "https://likee.video/video/987", "video", "987"},
		{"likee user video", "likee", "https://likee.video/@someone/video/123456", "video", "123456"},
		{"likee v link", "likee", "https://l.likee.com/v/555", "video", "555"},
		{"facebook reel", "facebook", "https://www.facebook.com/reel/987654321", "reel", "987654321"},
		{"facebook page video", "facebook", "https://www.facebook.com/somepage/videos/1234567890/", "watch", "1234567890"},
		{"facebook short", "facebook", "https://fb.watch/abcDEF/", "short", "abcDEF"},
		{"facebook watch", "facebook", "https://www.facebook.com/watch/?v=555", "watch", "555"},
		{"rutube uuid", "rutube", "https://rutube.ru/video/0123456789abcdef0123456789abcdef/", "video", "0123456789abcdef0123456789abcdef"},
		{"rutube embed", "rutube", "https://rutube.ru/play/embed/12345", "embed", "12345"},
		{"rutube video embed", "rutube", "https://rutube.ru/video/embed/12345", "embed", "12345"},
		{"rutube shorts", "rutube", "https://rutube.ru/shorts/0123456789abcdef0123456789abcdef", "shorts", "0123456789abcdef0123456789abcdef"},
		{"reddit subreddit post", "reddit", "https://www.reddit.com/r/golang/comments/abc123/some_title/", "post", "abc123"},
		{"reddit bare post", "reddit", "https://reddit.com/comments/def456", "post", "def456"},
		{"reddit short", "reddit", "https://redd.it/xyz789", "post", "xyz789"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := providerByName(t, tc.provider)
			ref, ok := p.ExtractID(tc.url)
			require.True(t, ok)
			assert.True(t, p.IsValidURL(tc.url))
			assert.Equal(t, tc.provider, ref.Platform)
			assert.Equal(t, tc.kind, ref.Kind)
			assert.Equal(t, tc.id, ref.ID)
			assert.NotEmpty(t, ref.URL)
		})
	}
}

func TestPatternProvider_Rejects(t *testing.T) {
	testCases := []struct {
		name     string
		provider string
		url      string
	}{
		{"other host", "instagram", "https://example.com/p/ABC/"},
		{"lookalike host", "instagram", "https://www.instagram.com.evil.org/p/ABC/"},
		{"no path match", "instagram", "https://www.instagram.com/someone/"},
		{"watch without v", "youtube", "https://www.youtube.com/watch?list=PL1"},
		{"facebook watch non numeric", "facebook", "https://www.facebook.com/watch/?v=abc"},
		{"rutube short uuid", "rutube", "https://rutube.ru/shorts/abc"},
		{"not a url", "reddit", "reddit comments"},
		{"empty", "tiktok", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := providerByName(t, tc.provider)
			_, ok := p.ExtractID(tc.url)
			assert.False(t, ok)
			assert.False(t, p.IsValidURL(tc.url))
		})
	}
}

func TestPatternProvider_CanonicalURL(t *testing.T) {
	ref, ok := providerByName(t, "youtube").ExtractID("https://youtu.be/dQw4w9WgXcQ")
	require.True(t, ok)
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", ref.URL)

	ref, ok = providerByName(t, "facebook").ExtractID("https://www.facebook.com/reel/42")
	require.True(t, ok)
	assert.Equal(t, "https://www.facebook.com/reel/42/", ref.URL)

	ref, ok = providerByName(t, "reddit").ExtractID("https://redd.it/xyz789")
	require.True(t, ok)
	assert.Equal(t, "https://www.reddit.com/comments/xyz789/", ref.URL)
}

func TestPatternProvider_Download(t *testing.T) {
	var got download.Ref
	fetch := func(_ context.Context, ref download.Ref) (download.Video, error) {
		got = ref
		return download.Video{Data: []byte("mp4"), Caption: "hi"}, nil
	}
	p := download.KnownProviders(fetch)[0]
	ref, ok := p.ExtractID("https://www.instagram.com/p/ABC/")
	require.True(t, ok)

	v, err := p.Download(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp4"), v.Data)
	assert.Equal(t, ref, got)

	_, err = providerByName(t, "instagram").Download(context.Background(), ref)
	assert.Error(t, err, "a provider without a fetcher fails")
}
