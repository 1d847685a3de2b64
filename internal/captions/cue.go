// Package captions holds the caption capture core: a rolling,
// time-ordered buffer of caption cues fed by noisy scraper readings,
// and the selector that slices it into a bounded context window for a
// language-model prompt.
//
// All times are float seconds on the video's playback clock, not wall
// clock time. The buffer evicts by playback time (retention window) and
// by count (memory ceiling); the selector applies a spoiler boundary and
// a recency cap on top of that.
package captions

import (
	"fmt"
	"math"
)

// Cue is a single time-stamped utterance extracted from captions.
type Cue struct {
	Start float64 `json:"t0"`
	End   float64 `json:"t1"`
	Text  string  `json:"text"`
}

// Duration returns how long the cue was on screen.
func (c Cue) Duration() float64 {
	return c.End - c.Start
}

// String renders the cue the way it appears in a prompt context block.
func (c Cue) String() string {
	return fmt.Sprintf("[%.1f–%.1f] %s", c.Start, c.End, c.Text)
}

// finite reports whether f is usable as a playback timestamp.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
