// Package download resolves content URLs to a platform and identifier and
// reports the outcome of each download to analytics. Fetching the bytes is
// delegated to a FetchFunc.
package download

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Ref identifies a piece of content on a platform.
type Ref struct {
	Platform string
	Kind     string
	ID       string
	// URL is the canonical address rebuilt from Kind and ID.
	URL string
}

// Video is a downloaded item.
type Video struct {
	Data    []byte
	Caption string
}

// Provider knows how to recognise and fetch one platform's URLs.
type Provider interface {
	Name() string
	IsValidURL(raw string) bool
	ExtractID(raw string) (Ref, bool)
	Download(ctx context.Context, ref Ref) (Video, error)
}

// FetchFunc retrieves the bytes for ref.
type FetchFunc func(ctx context.Context, ref Ref) (Video, error)

// Rule maps a URL shape to a content kind. Pattern is matched against the
// URL with query and fragment removed and must capture the identifier,
// unless QueryParam is set, in which case the identifier is that query
// parameter and must match QueryValue.
type Rule struct {
	Kind       string
	Pattern    *regexp.Regexp
	QueryParam string
	QueryValue *regexp.Regexp
}

// PatternProvider is a Provider driven by a host check and an ordered list
// of rules.
type PatternProvider struct {
	name     string
	hostOK   func(host string) bool
	rules    []Rule
	buildURL func(kind, id string) string
	fetch    FetchFunc
}

// NewPatternProvider creates a PatternProvider.
func NewPatternProvider(name string, hostOK func(string) bool, rules []Rule, buildURL func(kind, id string) string, fetch FetchFunc) *PatternProvider {
	return &PatternProvider{name: name, hostOK: hostOK, rules: rules, buildURL: buildURL, fetch: fetch}
}

// Name returns the platform tag.
func (p *PatternProvider) Name() string {
	return p.name
}

// IsValidURL reports whether raw is on this platform and has a recognised shape.
func (p *PatternProvider) IsValidURL(raw string) bool {
	_, ok := p.ExtractID(raw)
	return ok
}

// ExtractID returns the first rule match for raw.
func (p *PatternProvider) ExtractID(raw string) (Ref, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return Ref{}, false
	}
	if !p.hostOK(strings.ToLower(u.Hostname())) {
		return Ref{}, false
	}

	clean := u.Scheme + "://" + u.Host + u.EscapedPath()
	for _, r := range p.rules {
		m := r.Pattern.FindStringSubmatch(clean)
		if m == nil {
			continue
		}
		id := ""
		if r.QueryParam != "" {
			id = u.Query().Get(r.QueryParam)
			if id == "" || (r.QueryValue != nil && !r.QueryValue.MatchString(id)) {
				continue
			}
		} else if len(m) > 1 {
			id = m[1]
		}
		if id == "" {
			continue
		}
		return Ref{Platform: p.name, Kind: r.Kind, ID: id, URL: p.buildURL(r.Kind, id)}, true
	}
	return Ref{}, false
}

// Download fetches ref through the configured FetchFunc.
func (p *PatternProvider) Download(ctx context.Context, ref Ref) (Video, error) {
	if p.fetch == nil {
		return Video{}, fmt.Errorf("%s: no fetcher configured", p.name)
	}
	return p.fetch(ctx, ref)
}

func re(pattern string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + pattern)
}

func hostSuffix(suffixes ...string) func(string) bool {
	return func(host string) bool {
		for _, s := range suffixes {
			if strings.HasSuffix(host, s) {
				return true
			}
		}
		return false
	}
}

var digits = regexp.MustCompile(`^\d+$`)

// KnownProviders returns providers for every supported platform, in lookup
// order, all fetching through fetch.
func KnownProviders(fetch FetchFunc) []Provider {
	return []Provider{
		NewPatternProvider("instagram", hostSuffix("instagram.com"), []Rule{
			{Kind: "post", Pattern: re(`instagram\.com/p/([^/]+)`)},
			{Kind: "reels", Pattern: re(`instagram\.com/reels/([^/]+)`)},
			{Kind: "reel", Pattern: re(`instagram\.com/reel/([^/]+)`)},
			{Kind: "tv", Pattern: re(`instagram\.com/tv/([^/]+)`)},
			{Kind: "story", Pattern: re(`instagram\.com/stories/[^/]+/([^/]+)`)},
		}, func(kind, id string) string {
			switch kind {
			case "reel", "reels":
				return "https://www.instagram.com/reels/" + id + "/"
			case "tv":
				return "https://www.instagram.com/tv/" + id + "/"
			case "story":
				return "https://www.instagram.com/stories/highlights/" + id + "/"
			}
			return "https://www.instagram.com/p/" + id + "/"
		}, fetch),

		NewPatternProvider("tiktok", func(host string) bool { return strings.Contains(host, "tiktok.com") }, []Rule{
			{Kind: "video", Pattern: re(`tiktok\.com/@[^/]+/video/(\d+)`)},
			{Kind: "short", Pattern: re(`tiktok\.com/t/([^/?#]+)`)},
			{Kind: "short", Pattern: re(`vm\.tiktok\.com/([^/?#]+)`)},
			{Kind: "short", Pattern: re(`vt\.tiktok\.com/([^/?#]+)`)},
		}, func(kind, id string) string {
			if kind == "video" && digits.MatchString(id) {
				return "https://www.tiktok.com/@_/video/" + id
			}
			return "https://www.tiktok.com/t/" + id
		}, fetch),

		NewPatternProvider("youtube", hostSuffix("youtube.com", "youtu.be"), []Rule{
			{Kind: "watch", Pattern: re(`youtube\.com/shorts/([^/?#]+)`)},
			{Kind: "watch", Pattern: re(`youtu\.be/([^/?#]+)`)},
			{Kind: "watch", Pattern: re(`youtube\.com/watch/?$`), QueryParam: "v"},
		}, func(_, id string) string {
			return "https://www.youtube.com/watch?v=" + id
		}, fetch),

		NewPatternProvider("likee", hostSuffix("likee.video", "likee.com"), []Rule{
			{Kind: "video", Pattern: re(`(?:likee\.video|likee\.com)/video/(\d+)`)},
			{Kind: "video", Pattern: re(`(?:likee\.video|likee\.com)/@[^/]+/video/(\d+)`)},
			{Kind: "video", Pattern: re(`(?:likee\.video|likee\.com)/v/(\d+)`)},
		}, func(_, id string) string {
			return "https://likee.video/video/" + id
		}, fetch),

		NewPatternProvider("facebook", func(host string) bool {
			return strings.HasSuffix(host, "facebook.com") || strings.HasPrefix(host, "fb.watch")
		}, []Rule{
			{Kind: "reel", Pattern: re(`facebook\.com/reel/(\d+)`)},
			{Kind: "watch", Pattern: re(`facebook\.com/.+?/videos/(\d+)`)},
			{Kind: "short", Pattern: re(`fb\.watch/([^/?#]+)`)},
			{Kind: "watch", Pattern: re(`facebook\.com/watch/?$`), QueryParam: "v", QueryValue: digits},
		}, func(kind, id string) string {
			switch {
			case kind == "reel" && digits.MatchString(id):
				return "https://www.facebook.com/reel/" + id + "/"
			case kind == "watch" && digits.MatchString(id):
				return "https://www.facebook.com/watch/?v=" + id
			}
			return "https://fb.watch/" + id + "/"
		}, fetch),

		NewPatternProvider("rutube", hostSuffix("rutube.ru"), []Rule{
			{Kind: "video", Pattern: re(`rutube\.ru/video/([a-f0-9\-]{8,})`)},
			{Kind: "embed", Pattern: re(`rutube\.ru/(?:play|video)/embed/(\d+)`)},
			{Kind: "video", Pattern: re(`rutube\.ru/video/(\d+)`)},
			{Kind: "shorts", Pattern: re(`rutube\.ru/shorts/([a-f0-9]{32})`)},
		}, func(kind, id string) string {
			if kind == "shorts" {
				return "https://rutube.ru/shorts/" + id + "/"
			}
			return "https://rutube.ru/video/" + id + "/"
		}, fetch),

		NewPatternProvider("reddit", hostSuffix("reddit.com", "redd.it"), []Rule{
			{Kind: "post", Pattern: re(`reddit\.com/r/[^/]+/comments/([a-z0-9]+)`)},
			{Kind: "post", Pattern: re(`reddit\.com/comments/([a-z0-9]+)`)},
			{Kind: "post", Pattern: re(`redd\.it/([a-z0-9]+)`)},
		}, func(_, id string) string {
			return "https://www.reddit.com/comments/" + id + "/"
		}, fetch),
	}
}
