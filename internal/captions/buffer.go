package captions

import (
	"errors"
	"log/slog"
	"math"
	"sync"
)

// ErrInvertedRange is returned by a strict buffer when a caller hands
// it a cue whose end precedes its start. Non-strict buffers clamp the
// end time instead, so one bad scraper reading never stops capture.
var ErrInvertedRange = errors.New("captions: cue end precedes start")

// Default buffer parameters. The retention window is a memory ceiling,
// not a context limit: it covers a feature-length viewing session.
const (
	DefaultRetention      = 1800.0
	DefaultMergeTolerance = 1.0
	DefaultMaxCues        = 5000
)

// Config controls buffer retention and merging.
type Config struct {
	// Retention is how many seconds of playback history to keep,
	// measured from the current playback time back to a cue's end.
	Retention float64
	// MergeTolerance is the largest gap, in seconds, between the tail
	// cue's end and a new reading's start for identical text to be
	// treated as the same utterance.
	MergeTolerance float64
	// MaxCues caps the number of retained cues regardless of time.
	MaxCues int
	// Strict makes Ingest return ErrInvertedRange instead of clamping.
	Strict bool
}

// DefaultConfig returns the buffer defaults.
func DefaultConfig() Config {
	return Config{
		Retention:      DefaultRetention,
		MergeTolerance: DefaultMergeTolerance,
		MaxCues:        DefaultMaxCues,
	}
}

// IngestResult describes what Ingest did with a reading.
type IngestResult int

const (
	// Rejected means the reading was empty, malformed, or a stale repeat.
	Rejected IngestResult = iota
	// Merged means the reading extended the tail cue's end time.
	Merged
	// Appended means the reading became a new cue.
	Appended
)

func (r IngestResult) String() string {
	switch r {
	case Merged:
		return "merged"
	case Appended:
		return "appended"
	default:
		return "rejected"
	}
}

// Buffer is an ordered, bounded collection of cues for one viewing
// session. It is safe for concurrent use: every operation runs under a
// single mutex, so a reader never observes a half-applied merge or trim.
//
// Cues are kept in arrival order. Arrival order matches playback order
// except across a backward seek, where the new cue is still appended at
// the tail rather than sorted into place.
type Buffer struct {
	mu           sync.Mutex
	cues         []Cue
	lastAccepted string
	cfg          Config
	logger       *slog.Logger
}

// NewBuffer creates an empty buffer. Zero or negative config values
// fall back to the defaults.
func NewBuffer(cfg Config, logger *slog.Logger) *Buffer {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MergeTolerance <= 0 {
		cfg.MergeTolerance = DefaultMergeTolerance
	}
	if cfg.MaxCues <= 0 {
		cfg.MaxCues = DefaultMaxCues
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		cfg:    cfg,
		logger: logger,
	}
}

// Config returns the effective buffer configuration.
func (b *Buffer) Config() Config {
	return b.cfg
}

// Ingest normalizes a caption reading and either merges it into the
// tail cue, appends it as a new cue, or rejects it.
//
// A reading merges when its text matches the tail cue and it starts
// within MergeTolerance of the tail's end; the tail's end then moves to
// the reading's end. Empty text, non-finite timestamps, and stale
// repeats of the last accepted text are rejected without error.
func (b *Buffer) Ingest(start, end float64, raw string) (IngestResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ingestLocked(start, end, raw)
}

// IngestAt trims the buffer relative to now and then ingests the
// reading, as one atomic step.
func (b *Buffer) IngestAt(now, start, end float64, raw string) (IngestResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trimLocked(now)
	return b.ingestLocked(start, end, raw)
}

func (b *Buffer) ingestLocked(start, end float64, raw string) (IngestResult, error) {
	text, ok := Normalize(raw)
	if !ok {
		return Rejected, nil
	}
	if !finite(start) || !finite(end) {
		return Rejected, nil
	}
	if end < start {
		if b.cfg.Strict {
			return Rejected, ErrInvertedRange
		}
		b.logger.Debug("clamping inverted cue range", "start", start, "end", end)
		end = start
	}

	var tail *Cue
	if n := len(b.cues); n > 0 {
		tail = &b.cues[n-1]
	}

	if staleRepeat(text, b.lastAccepted, tail, end) {
		return Rejected, nil
	}

	result := Appended
	if tail != nil && tail.Text == text && math.Abs(tail.End-start) < b.cfg.MergeTolerance {
		tail.End = math.Max(tail.End, end)
		result = Merged
	} else {
		b.cues = append(b.cues, Cue{Start: start, End: end, Text: text})
		if over := len(b.cues) - b.cfg.MaxCues; over > 0 {
			b.dropFront(over)
		}
	}
	b.lastAccepted = text
	return result, nil
}

// Trim evicts every cue whose end is older than now minus the retention
// window and returns how many were removed. A backward seek simply
// evicts nothing new; only strictly stale cues are dropped. Non-finite
// times are ignored.
func (b *Buffer) Trim(now float64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trimLocked(now)
}

func (b *Buffer) trimLocked(now float64) int {
	if !finite(now) || len(b.cues) == 0 {
		return 0
	}
	cutoff := now - b.cfg.Retention

	// Fast path: in-order buffers only ever lose a prefix.
	front := 0
	for front < len(b.cues) && b.cues[front].End < cutoff {
		front++
	}
	if front > 0 {
		b.dropFront(front)
	}

	// A seek can leave an out-of-order stale cue behind the head.
	kept := 0
	for _, c := range b.cues {
		if c.End >= cutoff {
			b.cues[kept] = c
			kept++
		}
	}
	stale := len(b.cues) - kept
	if stale > 0 {
		clear(b.cues[kept:])
		b.cues = b.cues[:kept]
	}
	return front + stale
}

// dropFront removes the oldest n cues, reusing the backing array.
func (b *Buffer) dropFront(n int) {
	if n >= len(b.cues) {
		clear(b.cues)
		b.cues = b.cues[:0]
		return
	}
	remaining := copy(b.cues, b.cues[n:])
	clear(b.cues[remaining:])
	b.cues = b.cues[:remaining]
}

// Clear empties the buffer and forgets the last accepted text.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.cues)
	b.cues = b.cues[:0]
	b.lastAccepted = ""
}

// Snapshot returns a copy of the current cues in buffer order. The
// returned slice is never nil and never aliases the live buffer.
func (b *Buffer) Snapshot() []Cue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Buffer) snapshotLocked() []Cue {
	out := make([]Cue, len(b.cues))
	copy(out, b.cues)
	return out
}

// Len returns the number of retained cues.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cues)
}

// Span returns the start of the oldest cue and the end of the newest.
// ok is false when the buffer is empty.
func (b *Buffer) Span() (oldest, newest float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.cues) == 0 {
		return 0, 0, false
	}
	return b.cues[0].Start, b.cues[len(b.cues)-1].End, true
}
