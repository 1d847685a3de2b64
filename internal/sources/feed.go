package sources

import (
	"sync"
	"time"

	"github.com/nugget/botodachi/internal/session"
)

// maxExtrapolation bounds how far the feed clock runs ahead of the
// last reported position while the video is playing.
const maxExtrapolation = 2 * time.Second

// Feed holds the latest page state the extension reported for one tab:
// playback position, paused flag, page metadata, and the snapshot
// sources. It is the PlaybackClock and IdentitySource for that tab's
// Poller.
type Feed struct {
	YouTubeTrack *YouTubeTrackSource
	YouTubeDOM   *YouTubeDOMSource
	NetflixDOM   *NetflixDOMSource

	registry Registry

	mu         sync.Mutex
	position   float64
	paused     bool
	reported   bool
	reportedAt time.Time
	meta       session.Metadata
	nowFunc    func() time.Time
}

// NewFeed creates a feed with empty snapshot sources.
func NewFeed() *Feed {
	f := &Feed{
		YouTubeTrack: &YouTubeTrackSource{},
		YouTubeDOM:   &YouTubeDOMSource{},
		NetflixDOM:   &NetflixDOMSource{},
		nowFunc:      time.Now,
	}
	f.registry = Registry{
		session.PlatformYouTube: {f.YouTubeTrack, f.YouTubeDOM},
		session.PlatformNetflix: {f.NetflixDOM},
	}
	return f
}

// Report records the playback state and page metadata.
func (f *Feed) Report(position float64, paused bool, meta session.Metadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.position = position
	f.paused = paused
	f.reported = true
	f.reportedAt = f.nowFunc()
	if meta.URL != "" || meta.VideoID != "" {
		f.meta = meta
	} else if meta.Title != "" {
		f.meta.Title = meta.Title
	}
}

// CurrentTime returns the playback position, advanced by wall-clock
// time since the last report while playing. ok is false until the
// first report.
func (f *Feed) CurrentTime() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reported {
		return 0, false
	}
	if f.paused {
		return f.position, true
	}
	elapsed := min(f.nowFunc().Sub(f.reportedAt), maxExtrapolation)
	return f.position + elapsed.Seconds(), true
}

// Paused reports whether the video was paused at the last report.
func (f *Feed) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// CurrentVideo returns the last reported page metadata.
func (f *Feed) CurrentVideo() session.Metadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta
}

// Source returns the snapshot source registered under name.
func (f *Feed) Source(name string) (SnapshotSource, bool) {
	switch name {
	case NameYouTubeTrack:
		return f.YouTubeTrack, true
	case NameYouTubeDOM:
		return f.YouTubeDOM, true
	case NameNetflixDOM:
		return f.NetflixDOM, true
	}
	return nil, false
}

// SourcesFor returns the sources polled for platform.
func (f *Feed) SourcesFor(platform string) []CaptionSource {
	return f.registry.SourcesFor(platform)
}
