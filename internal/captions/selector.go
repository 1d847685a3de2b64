package captions

// DefaultSpoilerLookahead is how far past the current playback time a
// cue may start and still be served with spoilers disabled. It absorbs
// polling granularity without exposing anything clearly unwatched.
const DefaultSpoilerLookahead = 10.0

// Selector produces the context window handed to prompt construction.
// It owns no state beyond its parameters; the per-consumer cue budget
// is supplied on every call.
type Selector struct {
	// SpoilerLookahead is the tolerance in seconds applied when
	// spoilers are disabled.
	SpoilerLookahead float64
}

// NewSelector returns a selector with the given lookahead. A negative
// lookahead falls back to the default; zero is honoured and means no
// tolerance at all.
func NewSelector(lookahead float64) *Selector {
	if lookahead < 0 {
		lookahead = DefaultSpoilerLookahead
	}
	return &Selector{SpoilerLookahead: lookahead}
}

// Select trims buf relative to now, then returns at most maxCount of the
// most recent eligible cues in buffer order (oldest of the window first).
// With allowSpoilers false, cues starting after now+SpoilerLookahead are
// dropped first. The result is never nil; an empty slice means there is
// no context yet, which is not an error.
func (s *Selector) Select(buf *Buffer, now float64, allowSpoilers bool, maxCount int) []Cue {
	if buf == nil || maxCount <= 0 {
		return []Cue{}
	}

	buf.mu.Lock()
	buf.trimLocked(now)
	snapshot := buf.snapshotLocked()
	buf.mu.Unlock()

	eligible := snapshot
	if !allowSpoilers {
		limit := now + s.SpoilerLookahead
		eligible = snapshot[:0]
		for _, c := range snapshot {
			if c.Start <= limit {
				eligible = append(eligible, c)
			}
		}
	}

	if len(eligible) > maxCount {
		eligible = eligible[len(eligible)-maxCount:]
	}
	return eligible
}
