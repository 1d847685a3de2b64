package sources

import (
	"context"
	"errors"
	"testing"

	"github.com/nugget/botodachi/internal/captions"
	"github.com/nugget/botodachi/internal/events"
	"github.com/nugget/botodachi/internal/session"
)

type fakeClock struct {
	now float64
	ok  bool
}

func (c *fakeClock) CurrentTime() (float64, bool) { return c.now, c.ok }

type fakeIdentity struct{ meta session.Metadata }

func (f *fakeIdentity) CurrentVideo() session.Metadata { return f.meta }

func newTestPage() *session.Page {
	return session.NewManager(session.Config{}, nil, nil, nil).Open("tab-1")
}

func TestPoller_ReplayMergesTicks(t *testing.T) {
	track := NewVTTSource([]captions.Cue{
		{Start: 1, End: 3.5, Text: "Hello world"},
		{Start: 4, End: 6, Text: "Second line"},
	})
	page := newTestPage()
	clock := &fakeClock{ok: true}

	p := NewPoller(Options{
		Clock:    clock,
		Identity: &fakeIdentity{meta: session.Metadata{VideoID: "replay_demo"}},
		Sources:  Registry{"": {track}},
		Sink:     page,
	})

	ctx := context.Background()
	for i := 0; i <= 25; i++ {
		clock.now = float64(i) * 0.3
		p.Tick(ctx)
	}

	got := page.Session().Buffer().Snapshot()
	if len(got) != 2 {
		t.Fatalf("buffer has %d cues, want 2: %v", len(got), got)
	}
	if got[0].Text != "Hello world" || got[1].Text != "Second line" {
		t.Errorf("cue texts = %q, %q", got[0].Text, got[1].Text)
	}
	if got[0].End < 3.2 {
		t.Errorf("first cue end = %v, want it extended across ticks", got[0].End)
	}
}

func TestPoller_CaptureGate(t *testing.T) {
	track := &YouTubeTrackSource{}
	track.Update(Snapshot{Texts: []string{"private line"}})
	page := newTestPage()
	enabled := false

	p := NewPoller(Options{
		Clock:    &fakeClock{now: 10, ok: true},
		Identity: &fakeIdentity{meta: session.Metadata{VideoID: "yt_abc"}},
		Sources:  Registry{session.PlatformYouTube: {track}},
		Gate:     GateFunc(func() bool { return enabled }),
		Sink:     page,
	})

	res := p.Tick(context.Background())
	if res.Captured || page.Session().Buffer().Len() != 0 {
		t.Fatalf("captured with capture disabled: %+v", res)
	}

	enabled = true
	res = p.Tick(context.Background())
	if !res.Captured || res.Appended != 1 {
		t.Errorf("tick with capture enabled = %+v, want one append", res)
	}
}

func TestPoller_NoClockSkipsCapture(t *testing.T) {
	track := &YouTubeTrackSource{}
	track.Update(Snapshot{Texts: []string{"line"}})
	page := newTestPage()

	p := NewPoller(Options{
		Clock:    &fakeClock{},
		Identity: &fakeIdentity{meta: session.Metadata{VideoID: "yt_abc"}},
		Sources:  Registry{"": {track}},
		Sink:     page,
	})

	res := p.Tick(context.Background())
	if res.Captured || !res.Observation.First {
		t.Errorf("tick without clock = %+v, want identity observed and no capture", res)
	}
}

func TestPoller_PlatformSelectsSources(t *testing.T) {
	yt := &YouTubeTrackSource{}
	yt.Update(Snapshot{Texts: []string{"from youtube"}})
	nf := &NetflixDOMSource{}
	nf.Update(Snapshot{HTML: `<div data-uia="player-timedtext">from netflix</div>`})
	page := newTestPage()

	p := NewPoller(Options{
		Clock:    &fakeClock{now: 5, ok: true},
		Identity: &fakeIdentity{meta: session.Metadata{URL: "https://www.netflix.com/watch/123"}},
		Sources:  Registry{session.PlatformYouTube: {yt}, session.PlatformNetflix: {nf}},
		Sink:     page,
	})
	p.Tick(context.Background())

	got := page.Session().Buffer().Snapshot()
	if len(got) != 1 || got[0].Text != "from netflix" {
		t.Errorf("buffer = %v, want only the netflix line", got)
	}
}

func TestPoller_DuplicateSourcesRejectSecondRead(t *testing.T) {
	track := &YouTubeTrackSource{}
	track.Update(Snapshot{Texts: []string{"same text"}})
	dom := &YouTubeDOMSource{}
	dom.Update(Snapshot{HTML: `<span class="ytp-caption-segment">same text</span>`})
	page := newTestPage()

	p := NewPoller(Options{
		Clock:    &fakeClock{now: 20, ok: true},
		Identity: &fakeIdentity{meta: session.Metadata{VideoID: "yt_abc"}},
		Sources:  Registry{session.PlatformYouTube: {track, dom}},
		Sink:     page,
	})
	res := p.Tick(context.Background())

	if res.Appended != 1 || res.Rejected != 1 {
		t.Errorf("tick = %+v, want one append and one rejected duplicate", res)
	}
}

type strictSink struct {
	*session.Page
}

func (s strictSink) Ingest(float64, float64, float64, string) (captions.IngestResult, error) {
	return captions.Rejected, errors.New("refused")
}

func TestPoller_IngestErrorPublishesEvent(t *testing.T) {
	track := &YouTubeTrackSource{}
	track.Update(Snapshot{Texts: []string{"line"}})
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	p := NewPoller(Options{
		Clock:    &fakeClock{now: 1, ok: true},
		Identity: &fakeIdentity{},
		Sources:  Registry{"": {track}},
		Sink:     strictSink{newTestPage()},
		Bus:      bus,
		PageID:   "tab-1",
	})
	p.Tick(context.Background())

	select {
	case e := <-ch:
		if e.Kind != events.KindPollError || e.Data["source"] != NameYouTubeTrack {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Error("no poll_error event published")
	}
}
