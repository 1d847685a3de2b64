// Package sources adapts platform-specific caption readings into plain
// caption text for the capture core. Each [CaptionSource] variant knows
// one way of reading captions; the [Poller] drives them on a fixed tick
// and never branches on the platform name itself.
//
// The browser extension pushes raw snapshots (active text-track cues,
// outerHTML of caption containers) into the snapshot sources; the
// poller reads whatever was pushed most recently.
package sources

import (
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// Source names used in the caption snapshot API.
const (
	NameYouTubeTrack = "youtube-track"
	NameYouTubeDOM   = "youtube-dom"
	NameNetflixDOM   = "netflix-dom"
	NameVTT          = "vtt"
)

// CaptionSource reads the caption text visible at playback time now.
// ok is false when nothing is on screen.
type CaptionSource interface {
	Poll(now float64) (text string, ok bool)
}

// Snapshot is a raw caption reading pushed by the extension.
type Snapshot struct {
	// HTML is the outerHTML of a caption container.
	HTML string `json:"html,omitempty"`
	// Texts are the texts of the currently active text-track cues.
	Texts []string `json:"texts,omitempty"`
}

// SnapshotSource is a CaptionSource fed by pushed snapshots.
type SnapshotSource interface {
	CaptionSource
	Update(s Snapshot)
}

// sourceName returns a log-friendly name for src.
func sourceName(src CaptionSource) string {
	switch src.(type) {
	case *YouTubeTrackSource:
		return NameYouTubeTrack
	case *YouTubeDOMSource:
		return NameYouTubeDOM
	case *NetflixDOMSource:
		return NameNetflixDOM
	case *VTTSource:
		return NameVTT
	}
	return "custom"
}

// YouTubeTrackSource joins the active cues of the player's text tracks.
// The extension forces disabled tracks to "hidden" so activeCues keeps
// updating even when captions are not drawn.
type YouTubeTrackSource struct {
	mu    sync.Mutex
	texts []string
}

// Update replaces the active cue texts.
func (s *YouTubeTrackSource) Update(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts[:0], snap.Texts...)
}

// Poll joins the active cue texts.
func (s *YouTubeTrackSource) Poll(float64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return joinTexts(s.texts)
}

// YouTubeDOMSource reads the caption segments rendered by the player,
// used when text tracks are unavailable.
type YouTubeDOMSource struct {
	mu   sync.Mutex
	html string
}

// Update replaces the caption window snapshot.
func (s *YouTubeDOMSource) Update(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.html = snap.HTML
}

// Poll collects the text of every .ytp-caption-segment in the snapshot.
func (s *YouTubeDOMSource) Poll(float64) (string, bool) {
	s.mu.Lock()
	raw := s.html
	s.mu.Unlock()
	if raw == "" {
		return "", false
	}

	nodes, err := parseFragment(raw)
	if err != nil {
		return "", false
	}
	var texts []string
	walk(nodes, func(n *html.Node) bool {
		if hasClass(n, "ytp-caption-segment") {
			texts = append(texts, textContent(n))
			return false
		}
		return true
	})
	return joinTexts(texts)
}

// NetflixDOMSource reads the timed-text containers Netflix renders over
// the video. Only visible containers count.
type NetflixDOMSource struct {
	mu   sync.Mutex
	html string
}

// Update replaces the timed-text snapshot.
func (s *NetflixDOMSource) Update(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.html = snap.HTML
}

// Poll collects the text of the outermost visible timed-text containers.
func (s *NetflixDOMSource) Poll(float64) (string, bool) {
	s.mu.Lock()
	raw := s.html
	s.mu.Unlock()
	if raw == "" {
		return "", false
	}

	nodes, err := parseFragment(raw)
	if err != nil {
		return "", false
	}
	var texts []string
	walk(nodes, func(n *html.Node) bool {
		if hiddenByStyle(n) {
			return false
		}
		if isNetflixTimedText(n) {
			texts = append(texts, textContent(n))
			return false
		}
		return true
	})
	return joinTexts(texts)
}

func isNetflixTimedText(n *html.Node) bool {
	uia, _ := attr(n, "data-uia")
	switch {
	case uia == "player-timedtext", uia == "subtitle-text":
		return true
	case strings.Contains(uia, "timedtext"):
		return true
	case classContains(n, "player-timedtext"):
		return true
	}
	live, _ := attr(n, "aria-live")
	return live == "assertive" || live == "polite"
}

func joinTexts(texts []string) (string, bool) {
	var parts []string
	for _, t := range texts {
		if t = strings.Join(strings.Fields(t), " "); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, " "), true
}

// Registry maps a platform name to the sources read for it. The entry
// under "" is used for platforms without their own entry.
type Registry map[string][]CaptionSource

// SourcesFor returns the sources to poll for platform.
func (r Registry) SourcesFor(platform string) []CaptionSource {
	if srcs, ok := r[platform]; ok {
		return srcs
	}
	return r[""]
}
