package sources

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/botodachi/internal/captions"
	"github.com/nugget/botodachi/internal/events"
	"github.com/nugget/botodachi/internal/logging"
	"github.com/nugget/botodachi/internal/session"
)

// Poll timing defaults. Each reading is stamped as covering the second
// before the tick plus a small look-ahead, so consecutive ticks of an
// unchanged caption overlap and merge into one cue.
const (
	DefaultInterval  = 300 * time.Millisecond
	DefaultLookback  = 1.0
	DefaultLookahead = 0.2
)

// PlaybackClock supplies the current playback position. ok is false
// when no video is playing on the page.
type PlaybackClock interface {
	CurrentTime() (now float64, ok bool)
}

// IdentitySource supplies metadata for the video on the page.
type IdentitySource interface {
	CurrentVideo() session.Metadata
}

// SourceSelector picks the caption sources to read for a platform.
type SourceSelector interface {
	SourcesFor(platform string) []CaptionSource
}

// CaptureGate reports whether caption capture is switched on.
type CaptureGate interface {
	CaptureEnabled() bool
}

// GateFunc adapts a function to CaptureGate.
type GateFunc func() bool

// CaptureEnabled calls f.
func (f GateFunc) CaptureEnabled() bool { return f() }

// Sink receives the poller's observations. *session.Page implements it.
type Sink interface {
	Observe(ctx context.Context, m session.Metadata) session.Observation
	Trim(now float64) int
	Ingest(now, start, end float64, text string) (captions.IngestResult, error)
}

// Options configures a Poller.
type Options struct {
	Interval  time.Duration
	Lookback  float64
	Lookahead float64

	Clock    PlaybackClock
	Identity IdentitySource
	Sources  SourceSelector
	// Gate may be nil, which means capture is always on.
	Gate CaptureGate
	Sink Sink

	Bus    *events.Bus
	PageID string
	Logger *slog.Logger
}

// TickResult summarizes one poll tick.
type TickResult struct {
	Now         float64
	Observation session.Observation
	Trimmed     int
	Appended    int
	Merged      int
	Rejected    int
	// Captured is false when there was no clock or capture was off.
	Captured bool
}

// Poller drives caption sources on a fixed tick: observe the video
// identity, trim the buffer, then ingest whatever each source reads.
type Poller struct {
	opts   Options
	logger *slog.Logger
}

// NewPoller creates a poller. Zero timing options take the defaults.
func NewPoller(opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = DefaultLookahead
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{opts: opts, logger: logger}
}

// Tick runs one poll cycle.
func (p *Poller) Tick(ctx context.Context) TickResult {
	var res TickResult

	meta := p.opts.Identity.CurrentVideo()
	res.Observation = p.opts.Sink.Observe(ctx, meta)

	now, ok := p.opts.Clock.CurrentTime()
	if !ok {
		return res
	}
	res.Now = now
	res.Trimmed = p.opts.Sink.Trim(now)

	if p.opts.Gate != nil && !p.opts.Gate.CaptureEnabled() {
		return res
	}
	res.Captured = true

	platform := meta.Platform
	if platform == "" {
		platform = session.PlatformOf(identityOf(meta))
	}
	for _, src := range p.opts.Sources.SourcesFor(platform) {
		text, ok := src.Poll(now)
		if !ok {
			continue
		}
		result, err := p.opts.Sink.Ingest(now, now-p.opts.Lookback, now+p.opts.Lookahead, text)
		if err != nil {
			p.logger.Debug("caption reading refused", "source", sourceName(src), "error", err)
			p.opts.Bus.Emit(events.SourcePoller, events.KindPollError, p.opts.PageID, map[string]any{
				"source": sourceName(src),
				"error":  err.Error(),
			})
			continue
		}
		switch result {
		case captions.Appended:
			res.Appended++
			p.logger.Log(ctx, logging.LevelTrace, "caption appended",
				"source", sourceName(src),
				"now", now,
				"text", text,
			)
		case captions.Merged:
			res.Merged++
		default:
			res.Rejected++
		}
	}
	return res
}

// Run ticks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.logger.Debug("caption poller started", "page", p.opts.PageID, "interval", p.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("caption poller stopped", "page", p.opts.PageID)
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

func identityOf(m session.Metadata) string {
	if m.VideoID != "" {
		return m.VideoID
	}
	return session.VideoIdentity(m.URL)
}
