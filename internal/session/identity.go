package session

import (
	"net/url"
	"regexp"
	"strings"
)

// Platform names reported alongside a video identity.
const (
	PlatformYouTube = "youtube"
	PlatformNetflix = "netflix"
	PlatformWeb     = "web"
)

var netflixWatchRe = regexp.MustCompile(`/watch/(\d+)`)

// VideoIdentity derives a stable per-video identity from a page URL.
// In-page navigation that only touches the fragment or unrelated query
// parameters yields the same identity, so a timestamp link (?t=42) to
// the video already playing is not a new session.
//
//   - youtube.com/watch?v=ID, youtube.com/shorts/ID, youtu.be/ID -> "yt_ID"
//   - netflix.com/watch/NNN -> "nf_NNN"
//   - anything else -> scheme://host/path
//
// An empty string yields an empty identity; input that does not parse
// as an absolute URL is returned unchanged.
func VideoIdentity(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	host := strings.ToLower(u.Hostname())

	switch {
	case strings.HasSuffix(host, "youtube.com"):
		if v := u.Query().Get("v"); v != "" {
			return "yt_" + v
		}
		if id, ok := strings.CutPrefix(u.Path, "/shorts/"); ok {
			if id, _, _ = strings.Cut(id, "/"); id != "" {
				return "yt_" + id
			}
		}
	case host == "youtu.be":
		if id := strings.Trim(u.Path, "/"); id != "" {
			id, _, _ = strings.Cut(id, "/")
			return "yt_" + id
		}
	case strings.HasSuffix(host, "netflix.com"):
		if m := netflixWatchRe.FindStringSubmatch(u.Path); m != nil {
			return "nf_" + m[1]
		}
	}

	return u.Scheme + "://" + u.Host + u.Path
}

// PlatformOf reports the platform a derived identity belongs to.
func PlatformOf(identity string) string {
	switch {
	case strings.HasPrefix(identity, "yt_"):
		return PlatformYouTube
	case strings.HasPrefix(identity, "nf_"):
		return PlatformNetflix
	default:
		return PlatformWeb
	}
}
