// Package session tracks page views and the viewing session inside
// each one. A Page owns exactly one Session at a time; when the page
// navigates to a different video (by derived identity, not raw URL)
// the session's caption buffer, conversation history and cached
// metadata are reset and the ended session is handed to an Archiver.
//
// Nothing here is process-global. Every page view gets its own Session
// through the Manager, and page views are never shared between tabs.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/botodachi/internal/captions"
)

// Title placeholders that must never replace a real cached title.
const (
	unknownTitle          = "Unknown Video"
	netflixPlaceholderTag = "Netflix Video ID:"
)

// Metadata describes the video a session is about.
type Metadata struct {
	VideoID  string `json:"video_id"`
	Title    string `json:"title,omitempty"`
	Platform string `json:"platform,omitempty"`
	URL      string `json:"url,omitempty"`
}

// usableTitle reports whether a scraped title is worth caching.
func usableTitle(title string) bool {
	title = strings.TrimSpace(title)
	return title != "" && title != unknownTitle && !strings.Contains(title, netflixPlaceholderTag)
}

// Record is a finished session as handed to an Archiver.
type Record struct {
	ID        string         `json:"id"`
	VideoID   string         `json:"video_id"`
	Title     string         `json:"title,omitempty"`
	Platform  string         `json:"platform,omitempty"`
	URL       string         `json:"url,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Cues      []captions.Cue `json:"cues"`
	Turns     []Turn         `json:"turns"`
}

// Empty reports whether the session captured nothing worth keeping.
func (r Record) Empty() bool {
	return len(r.Cues) == 0 && len(r.Turns) == 0
}

// Archiver persists ended sessions.
type Archiver interface {
	ArchiveSession(ctx context.Context, rec Record) error
}

// Options configures a new Session.
type Options struct {
	Buffer   captions.Config
	MaxTurns int
	Logger   *slog.Logger
}

// Session is the context object for one continuous viewing of a single
// video: its caption buffer, conversation history and cached metadata.
// Reset starts a fresh session in place so holders of the *Session keep
// a valid reference; Generation tells in-flight work whether a reset
// happened underneath it.
type Session struct {
	buffer  *captions.Buffer
	history *History

	mu         sync.Mutex
	id         string
	meta       Metadata
	generation uint64
	startedAt  time.Time
	disposed   bool

	nowFunc func() time.Time
	logger  *slog.Logger
}

// New creates an empty session.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		buffer:  captions.NewBuffer(opts.Buffer, logger),
		history: NewHistory(opts.MaxTurns),
		nowFunc: time.Now,
		logger:  logger,
	}
	s.id = newSessionID()
	s.startedAt = s.nowFunc()
	return s
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ID returns the identifier of the current viewing session. It changes
// on every Reset.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Buffer returns the session's caption buffer.
func (s *Session) Buffer() *captions.Buffer { return s.buffer }

// History returns the session's conversation history.
func (s *Session) History() *History { return s.history }

// Generation returns a counter that increases on every Reset.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// StartedAt returns when the current viewing session began.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Metadata returns the cached video metadata.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// SetMetadata merges freshly scraped metadata into the cache. Empty
// fields do not overwrite cached ones, and a placeholder title never
// replaces a real one.
func (s *Session) SetMetadata(m Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeMetadataLocked(m)
}

func (s *Session) mergeMetadataLocked(m Metadata) {
	if m.VideoID != "" {
		s.meta.VideoID = m.VideoID
	}
	if m.Platform != "" {
		s.meta.Platform = m.Platform
	}
	if m.URL != "" {
		s.meta.URL = m.URL
	}
	switch {
	case usableTitle(m.Title):
		s.meta.Title = strings.TrimSpace(m.Title)
	case m.Title != "" && !usableTitle(s.meta.Title):
		s.meta.Title = m.Title
	}
}

// Reset ends the current viewing session and starts a new one for next:
// the buffer and history are cleared, the cached metadata is replaced,
// the ID changes and the generation increments. The ended session is
// returned for archiving.
func (s *Session) Reset(next Metadata) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	ended := s.recordLocked()
	s.buffer.Clear()
	s.history.Clear()
	s.meta = Metadata{}
	s.mergeMetadataLocked(next)
	s.id = newSessionID()
	s.startedAt = s.nowFunc()
	s.generation++

	s.logger.Debug("session reset",
		"ended", ended.ID,
		"previous", ended.VideoID,
		"current", s.meta.VideoID,
		"cues", len(ended.Cues),
		"turns", len(ended.Turns),
	)
	return ended
}

// Dispose ends the session for good and returns its final record.
// Calling Dispose twice returns an empty record the second time.
func (s *Session) Dispose() Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return Record{ID: s.id, VideoID: s.meta.VideoID}
	}
	ended := s.recordLocked()
	s.buffer.Clear()
	s.history.Clear()
	s.disposed = true
	s.generation++
	return ended
}

// Disposed reports whether Dispose has been called.
func (s *Session) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Snapshot returns the current session as a record without ending it.
func (s *Session) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

func (s *Session) recordLocked() Record {
	return Record{
		ID:        s.id,
		VideoID:   s.meta.VideoID,
		Title:     s.meta.Title,
		Platform:  s.meta.Platform,
		URL:       s.meta.URL,
		StartedAt: s.startedAt,
		EndedAt:   s.nowFunc(),
		Cues:      s.buffer.Snapshot(),
		Turns:     s.history.All(),
	}
}
