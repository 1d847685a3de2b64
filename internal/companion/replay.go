package companion

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/nugget/botodachi/internal/session"
	"github.com/nugget/botodachi/internal/sources"
)

// ReplayTotals sums the tick results of a replay.
type ReplayTotals struct {
	Ticks    int `json:"ticks"`
	Appended int `json:"appended"`
	Merged   int `json:"merged"`
	Rejected int `json:"rejected"`
	Trimmed  int `json:"trimmed"`
}

// replayClock is a playback clock the replay advances by hand.
type replayClock struct{ now float64 }

func (c *replayClock) CurrentTime() (float64, bool) { return c.now, true }

type replayIdentity struct{ meta session.Metadata }

func (r replayIdentity) CurrentVideo() session.Metadata { return r.meta }

// ReplayIdentity derives a stable video identity for a local file.
func ReplayIdentity(path string) session.Metadata {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return session.Metadata{
		VideoID:  "file_" + base,
		Title:    base,
		Platform: session.PlatformWeb,
	}
}

// Replay plays src into pageID as if it were watched from 0 to until,
// ticking the poller every interval of playback time. Capture is not
// gated: the viewer supplied the file.
func (s *Service) Replay(ctx context.Context, pageID string, src *sources.VTTSource, meta session.Metadata, until float64) ReplayTotals {
	page := s.pages.Open(pageID)
	clock := &replayClock{}
	poller := sources.NewPoller(sources.Options{
		Clock:    clock,
		Identity: replayIdentity{meta: meta},
		Sources:  sources.Registry{"": {src}},
		Sink:     page,
		Bus:      s.bus,
		PageID:   pageID,
		Logger:   s.logger,
	})

	step := sources.DefaultInterval.Seconds()
	if s.cfg.PollInterval > 0 {
		step = s.cfg.PollInterval.Seconds()
	}

	var totals ReplayTotals
	for clock.now = 0; clock.now <= until; clock.now += step {
		if ctx.Err() != nil {
			break
		}
		res := poller.Tick(ctx)
		totals.Ticks++
		totals.Appended += res.Appended
		totals.Merged += res.Merged
		totals.Rejected += res.Rejected
		totals.Trimmed += res.Trimmed
	}
	page.SetPlayback(until, true)
	return totals
}
