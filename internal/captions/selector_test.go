package captions

import (
	"fmt"
	"testing"
)

func bufferWith(cues ...Cue) *Buffer {
	b := NewBuffer(DefaultConfig(), nil)
	for _, c := range cues {
		b.Ingest(c.Start, c.End, c.Text)
	}
	return b
}

func TestSelector_EmptyBuffer(t *testing.T) {
	sel := NewSelector(DefaultSpoilerLookahead)
	got := sel.Select(NewBuffer(DefaultConfig(), nil), 100, false, 10)
	if got == nil || len(got) != 0 {
		t.Errorf("Select on empty buffer = %#v, want empty non-nil slice", got)
	}
}

func TestSelector_NonPositiveMaxCount(t *testing.T) {
	sel := NewSelector(DefaultSpoilerLookahead)
	b := bufferWith(Cue{0, 1, "one"}, Cue{2, 3, "two"})

	for _, max := range []int{0, -1} {
		if got := sel.Select(b, 10, true, max); len(got) != 0 {
			t.Errorf("Select(maxCount=%d) returned %d cues, want 0", max, len(got))
		}
	}
}

func TestSelector_SpoilerFilter(t *testing.T) {
	sel := NewSelector(DefaultSpoilerLookahead)
	b := bufferWith(
		Cue{90, 92, "past"},
		Cue{105, 107, "just ahead"},
		Cue{110, 112, "at boundary"},
		Cue{110.5, 111, "past boundary"},
		Cue{300, 302, "far future"},
	)

	hidden := sel.Select(b, 100, false, 100)
	for _, c := range hidden {
		if c.Start > 110 {
			t.Errorf("spoiler filter leaked cue %v", c)
		}
	}
	if len(hidden) != 3 {
		t.Errorf("got %d cues with spoilers hidden, want 3: %v", len(hidden), hidden)
	}

	all := sel.Select(b, 100, true, 100)
	if len(all) != 5 {
		t.Errorf("got %d cues with spoilers allowed, want 5", len(all))
	}
}

func TestSelector_AllFutureReturnsEmpty(t *testing.T) {
	sel := NewSelector(DefaultSpoilerLookahead)
	b := bufferWith(Cue{500, 501, "later"}, Cue{600, 601, "much later"})

	got := sel.Select(b, 10, false, 10)
	if got == nil || len(got) != 0 {
		t.Errorf("Select = %#v, want empty non-nil slice", got)
	}
}

func TestSelector_RecencyCap(t *testing.T) {
	sel := NewSelector(DefaultSpoilerLookahead)
	var cues []Cue
	for i := 0; i < 12; i++ {
		cues = append(cues, Cue{Start: float64(i * 10), End: float64(i*10 + 2), Text: fmt.Sprintf("line %d", i)})
	}
	b := bufferWith(cues...)

	got := sel.Select(b, 200, false, 4)
	assertCues(t, got, cues[8:])

	for i := 1; i < len(got); i++ {
		if got[i].Start < got[i-1].Start {
			t.Errorf("output not ascending at %d: %v", i, got)
		}
	}
}

func TestSelector_CapAppliedAfterSpoilerFilter(t *testing.T) {
	sel := NewSelector(DefaultSpoilerLookahead)
	b := bufferWith(
		Cue{10, 11, "a"},
		Cue{20, 21, "b"},
		Cue{30, 31, "c"},
		Cue{900, 901, "spoiler"},
	)

	got := sel.Select(b, 30, false, 2)
	assertCues(t, got, []Cue{{20, 21, "b"}, {30, 31, "c"}})
}

func TestSelector_TrimsBeforeSelecting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention = 60
	b := NewBuffer(cfg, nil)
	b.Ingest(0, 5, "ancient")
	b.Ingest(200, 205, "recent")

	got := NewSelector(DefaultSpoilerLookahead).Select(b, 210, false, 10)
	assertCues(t, got, []Cue{{200, 205, "recent"}})
	if b.Len() != 1 {
		t.Errorf("Select should have trimmed the buffer, Len() = %d", b.Len())
	}
}

func TestSelector_ZeroLookahead(t *testing.T) {
	sel := NewSelector(0)
	b := bufferWith(Cue{100, 101, "now"}, Cue{100.5, 102, "slightly ahead"})

	got := sel.Select(b, 100, false, 10)
	assertCues(t, got, []Cue{{100, 101, "now"}})
}

func TestSelector_ResultIsACopy(t *testing.T) {
	sel := NewSelector(DefaultSpoilerLookahead)
	b := bufferWith(Cue{0, 1, "keep"})

	got := sel.Select(b, 1, true, 10)
	got[0].Text = "changed"

	if b.Snapshot()[0].Text != "keep" {
		t.Error("mutating the selection changed the buffer")
	}
}
