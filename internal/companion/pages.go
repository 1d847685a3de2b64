package companion

import (
	"context"
	"fmt"

	"github.com/nugget/botodachi/internal/captions"
	"github.com/nugget/botodachi/internal/session"
	"github.com/nugget/botodachi/internal/sources"
)

// Direct caption pushes without explicit timing get the poller window.
const (
	pushLookback  = sources.DefaultLookback
	pushLookahead = sources.DefaultLookahead
)

// pageFeed is the extension-reported state for one page and the poller
// reading it.
type pageFeed struct {
	feed   *sources.Feed
	cancel context.CancelFunc
}

// Report describes what the extension sees on a page.
type Report struct {
	URL      string
	VideoID  string
	Title    string
	Platform string
	Now      float64
	Paused   bool
}

// Observe records a page report: it opens the page if needed, starts
// its caption poller, updates the playback clock and applies the video
// identity immediately so a navigation resets the session before any
// caption from the new video is ingested.
func (s *Service) Observe(ctx context.Context, pageID string, r Report) session.Status {
	page := s.pages.Open(pageID)
	page.Touch()

	meta := session.Metadata{
		VideoID:  r.VideoID,
		Title:    r.Title,
		Platform: r.Platform,
		URL:      r.URL,
	}
	pf := s.feedFor(page)
	pf.feed.Report(r.Now, r.Paused, meta)
	page.SetPlayback(r.Now, r.Paused)
	page.Observe(ctx, pf.feed.CurrentVideo())
	return page.Status()
}

// feedFor returns the page's feed, starting its poller on first use.
func (s *Service) feedFor(page *session.Page) *pageFeed {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pf, ok := s.feeds[page.ID()]; ok {
		return pf
	}

	feed := sources.NewFeed()
	ctx, cancel := context.WithCancel(s.runCtx)
	pf := &pageFeed{feed: feed, cancel: cancel}
	s.feeds[page.ID()] = pf

	poller := sources.NewPoller(sources.Options{
		Interval: s.cfg.PollInterval,
		Clock:    feed,
		Identity: feed,
		Sources:  feed,
		Gate:     s.gate,
		Sink:     page,
		Bus:      s.bus,
		PageID:   page.ID(),
		Logger:   s.logger.With("page", page.ID()),
	})
	go poller.Run(ctx)
	return pf
}

// stopPoller is the manager close hook.
func (s *Service) stopPoller(page *session.Page) {
	s.mu.Lock()
	pf, ok := s.feeds[page.ID()]
	delete(s.feeds, page.ID())
	s.mu.Unlock()
	if ok {
		pf.cancel()
	}
}

// UpdateSource stores a snapshot for one of the page's scraped caption
// sources. The poller reads it on its next tick.
func (s *Service) UpdateSource(pageID, name string, now float64, snap sources.Snapshot) error {
	page, err := s.pages.Get(pageID)
	if err != nil {
		return err
	}
	page.Touch()

	pf := s.feedFor(page)
	src, ok := pf.feed.Source(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	src.Update(snap)
	pf.feed.Report(now, pf.feed.Paused(), session.Metadata{})
	return nil
}

// Push is one caption reading sent directly by the extension.
type Push struct {
	Now   float64
	Start *float64
	End   *float64
	Text  string
}

// Ingest adds a directly pushed caption reading to the page's buffer.
// Missing timing defaults to the window [now-1.0, now+0.2].
func (s *Service) Ingest(pageID string, p Push) (captions.IngestResult, error) {
	page, err := s.pages.Get(pageID)
	if err != nil {
		return captions.Rejected, err
	}
	page.Touch()
	if s.gate != nil && !s.gate.CaptureEnabled() {
		return captions.Rejected, ErrCaptureDisabled
	}

	start, end := p.Now-pushLookback, p.Now+pushLookahead
	if p.Start != nil {
		start = *p.Start
	}
	if p.End != nil {
		end = *p.End
	}
	return page.Ingest(p.Now, start, end, p.Text)
}

// Context returns the context window a question at now would see.
func (s *Service) Context(pageID string, now float64, allowSpoilers bool, maxCount int) ([]captions.Cue, error) {
	page, err := s.pages.Get(pageID)
	if err != nil {
		return nil, err
	}
	return page.Context(now, allowSpoilers, maxCount), nil
}

// Status reports a page's session state.
func (s *Service) Status(pageID string) (session.Status, error) {
	page, err := s.pages.Get(pageID)
	if err != nil {
		return session.Status{}, err
	}
	return page.Status(), nil
}

// ClearBuffer empties a page's caption buffer.
func (s *Service) ClearBuffer(pageID string) error {
	page, err := s.pages.Get(pageID)
	if err != nil {
		return err
	}
	page.ClearBuffer()
	return nil
}

// ClearHistory drops a page's conversation.
func (s *Service) ClearHistory(pageID string) error {
	page, err := s.pages.Get(pageID)
	if err != nil {
		return err
	}
	page.ClearHistory()
	return nil
}

// History returns a page's conversation, oldest first.
func (s *Service) History(pageID string) ([]session.Turn, error) {
	page, err := s.pages.Get(pageID)
	if err != nil {
		return nil, err
	}
	return page.Session().History().All(), nil
}

// ClosePage disposes a page view; its session is archived.
func (s *Service) ClosePage(ctx context.Context, pageID, reason string) error {
	return s.pages.Close(ctx, pageID, reason)
}
