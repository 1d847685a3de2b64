package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/botodachi/internal/captions"
	"github.com/nugget/botodachi/internal/events"
)

// subtitleWarningAfter is how far into playback an empty buffer starts
// to mean captions are probably switched off.
const subtitleWarningAfter = 5.0

// Change is delivered to OnSessionChange callbacks when a page
// navigates to a different video.
type Change struct {
	PageID   string
	Previous Metadata
	Current  Metadata
	// Ended is the record of the session that just ended.
	Ended Record
}

// Status summarizes a page view for the overlay header and sensors.
type Status struct {
	PageID          string    `json:"page_id"`
	SessionID       string    `json:"session_id"`
	VideoID         string    `json:"video_id,omitempty"`
	Title           string    `json:"title,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	Cues            int       `json:"cues"`
	OldestStart     float64   `json:"oldest_start,omitempty"`
	NewestEnd       float64   `json:"newest_end,omitempty"`
	BufferedMinutes int       `json:"buffered_minutes"`
	Turns           int       `json:"turns"`
	Position        float64   `json:"position"`
	Paused          bool      `json:"paused"`
	SubtitleWarning bool      `json:"subtitle_warning"`
	Generation      uint64    `json:"generation"`
	LastSeen        time.Time `json:"last_seen"`
}

// Page is one browser page view: a navigation tracker and the session
// it drives. All caption and history state for the tab lives here.
type Page struct {
	id       string
	tracker  Tracker
	session  *Session
	selector *captions.Selector
	archiver Archiver
	bus      *events.Bus
	logger   *slog.Logger
	nowFunc  func() time.Time

	// observeMu serializes identity checks with the reset they trigger.
	observeMu sync.Mutex

	mu        sync.Mutex
	listeners map[int]func(Change)
	nextID    int
	position  float64
	paused    bool
	lastSeen  time.Time
}

func newPage(id string, opts Options, selector *captions.Selector, archiver Archiver, bus *events.Bus, logger *slog.Logger, now func() time.Time) *Page {
	opts.Logger = logger
	return &Page{
		id:        id,
		session:   New(opts),
		selector:  selector,
		archiver:  archiver,
		bus:       bus,
		logger:    logger,
		nowFunc:   now,
		listeners: make(map[int]func(Change)),
		lastSeen:  now(),
	}
}

// ID returns the page identifier.
func (p *Page) ID() string { return p.id }

// Session returns the page's session context object.
func (p *Page) Session() *Session { return p.session }

// OnSessionChange registers fn to run after every genuine video change
// and returns a function that unregisters it.
func (p *Page) OnSessionChange(fn func(Change)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Observe reports the video currently on the page. The identity comes
// from m.VideoID, or is derived from m.URL when VideoID is empty. A new
// identity resets the session: buffer, history and metadata are cleared,
// the ended session is archived, and listeners are told. The same
// identity only refreshes cached metadata.
func (p *Page) Observe(ctx context.Context, m Metadata) Observation {
	if m.VideoID == "" {
		m.VideoID = VideoIdentity(m.URL)
	}
	if m.VideoID != "" && m.Platform == "" {
		m.Platform = PlatformOf(m.VideoID)
	}

	p.observeMu.Lock()
	previous := p.session.Metadata()
	obs := p.tracker.Observe(m.VideoID)
	var ended Record
	switch {
	case obs.Changed:
		ended = p.session.Reset(m)
	case m.VideoID != "":
		p.session.SetMetadata(m)
	}
	current := p.session.Metadata()
	p.observeMu.Unlock()

	switch {
	case obs.First:
		p.logger.Info("session started", "page", p.id, "video", current.VideoID, "title", current.Title)
		p.bus.Emit(events.SourceSession, events.KindSessionStarted, p.id, map[string]any{
			"video_id": current.VideoID,
			"title":    current.Title,
			"platform": current.Platform,
		})
	case obs.Changed:
		p.logger.Info("session changed",
			"page", p.id,
			"previous", obs.Previous,
			"current", obs.Current,
			"archived_cues", len(ended.Cues),
		)
		p.archive(ctx, ended)
		p.bus.Emit(events.SourceSession, events.KindSessionChanged, p.id, map[string]any{
			"previous":       obs.Previous,
			"current":        obs.Current,
			"title":          current.Title,
			"archived_cues":  len(ended.Cues),
			"archived_turns": len(ended.Turns),
		})
		p.notify(Change{PageID: p.id, Previous: previous, Current: current, Ended: ended})
	}
	return obs
}

func (p *Page) notify(c Change) {
	p.mu.Lock()
	fns := make([]func(Change), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (p *Page) archive(ctx context.Context, rec Record) {
	if p.archiver == nil || rec.Empty() {
		return
	}
	if err := p.archiver.ArchiveSession(ctx, rec); err != nil {
		p.logger.Warn("failed to archive session", "page", p.id, "session", rec.ID, "error", err)
	}
}

// SetPlayback records the current playback position and paused state.
func (p *Page) SetPlayback(now float64, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = now
	p.paused = paused
	p.lastSeen = p.nowFunc()
}

// Ingest trims the buffer relative to now and ingests one caption
// reading covering [start, end].
func (p *Page) Ingest(now, start, end float64, text string) (captions.IngestResult, error) {
	p.mu.Lock()
	p.position = now
	p.mu.Unlock()
	return p.session.Buffer().IngestAt(now, start, end, text)
}

// Trim evicts stale cues relative to now.
func (p *Page) Trim(now float64) int {
	return p.session.Buffer().Trim(now)
}

// Context returns the bounded, spoiler-filtered context window for now.
func (p *Page) Context(now float64, allowSpoilers bool, maxCount int) []captions.Cue {
	return p.selector.Select(p.session.Buffer(), now, allowSpoilers, maxCount)
}

// ClearBuffer empties the caption buffer on explicit user request.
func (p *Page) ClearBuffer() {
	p.session.Buffer().Clear()
	p.bus.Emit(events.SourceSession, events.KindBufferCleared, p.id, nil)
}

// ClearHistory drops the conversation on explicit user request.
func (p *Page) ClearHistory() {
	p.session.History().Clear()
	p.bus.Emit(events.SourceSession, events.KindHistoryCleared, p.id, nil)
}

// Status reports what the page is watching and how much is buffered.
func (p *Page) Status() Status {
	meta := p.session.Metadata()
	buf := p.session.Buffer()

	p.mu.Lock()
	st := Status{
		PageID:   p.id,
		Position: p.position,
		Paused:   p.paused,
		LastSeen: p.lastSeen,
	}
	p.mu.Unlock()

	st.SessionID = p.session.ID()
	st.Generation = p.session.Generation()
	st.VideoID = meta.VideoID
	st.Title = meta.Title
	st.Platform = meta.Platform
	st.Cues = buf.Len()
	st.Turns = p.session.History().Len()
	if oldest, newest, ok := buf.Span(); ok {
		st.OldestStart = oldest
		st.NewestEnd = newest
		st.BufferedMinutes = int((newest - oldest) / 60)
	}
	st.SubtitleWarning = st.Cues == 0 && st.Position > subtitleWarningAfter && !st.Paused
	return st
}

// LastSeen returns when the page last reported activity.
func (p *Page) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Touch marks the page as active. Only requests from the browser count
// as activity; the daemon's own polling does not keep a page alive.
func (p *Page) Touch() {
	p.mu.Lock()
	p.lastSeen = p.nowFunc()
	p.mu.Unlock()
}

// dispose ends the page's session, archives it and announces the close.
func (p *Page) dispose(ctx context.Context, reason string) Record {
	p.observeMu.Lock()
	ended := p.session.Dispose()
	p.observeMu.Unlock()

	p.archive(ctx, ended)
	p.bus.Emit(events.SourceSession, events.KindSessionClosed, p.id, map[string]any{
		"video_id": ended.VideoID,
		"reason":   reason,
	})
	return ended
}
