package captions

import "strings"

// Normalize trims raw caption text and collapses internal whitespace
// runs to single spaces. It returns false when nothing is left.
//
// Normalize is pure. Duplicate suppression against the last accepted
// text needs the buffer's state and lives in [Buffer.Ingest].
func Normalize(raw string) (string, bool) {
	text := strings.Join(strings.Fields(raw), " ")
	if text == "" {
		return "", false
	}
	return text, true
}

// staleRepeat reports whether a candidate is a re-read of unchanged
// caption state: same text as the last accepted reading and no new
// on-screen time beyond the tail cue. Scrapers produce these on every
// polling tick while the video is paused.
func staleRepeat(text, lastAccepted string, tail *Cue, end float64) bool {
	if text != lastAccepted || tail == nil || tail.Text != text {
		return false
	}
	return end <= tail.End
}
