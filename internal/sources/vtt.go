package sources

import (
	"fmt"
	"io"
	"sort"

	"github.com/nugget/botodachi/internal/captions"
)

// VTTSource replays a WebVTT track: Poll returns the text of the cues
// active at the given playback time, the way a player's text track
// would expose them.
type VTTSource struct {
	cues []captions.Cue
}

// NewVTTSource wraps already-parsed cues. They are sorted by start time.
func NewVTTSource(cues []captions.Cue) *VTTSource {
	sorted := make([]captions.Cue, len(cues))
	copy(sorted, cues)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	return &VTTSource{cues: sorted}
}

// LoadVTT parses a WebVTT document into a VTTSource.
func LoadVTT(r io.Reader) (*VTTSource, error) {
	cues, err := captions.ParseVTT(r)
	if err != nil {
		return nil, fmt.Errorf("load vtt: %w", err)
	}
	return NewVTTSource(cues), nil
}

// Cues returns the parsed track.
func (s *VTTSource) Cues() []captions.Cue { return s.cues }

// Duration returns the end time of the last cue.
func (s *VTTSource) Duration() float64 {
	var end float64
	for _, c := range s.cues {
		end = max(end, c.End)
	}
	return end
}

// Poll joins the texts of cues with Start <= now < End.
func (s *VTTSource) Poll(now float64) (string, bool) {
	// Cues starting after now cannot be active.
	n := sort.Search(len(s.cues), func(i int) bool { return s.cues[i].Start > now })
	var texts []string
	for _, c := range s.cues[:n] {
		if now < c.End {
			texts = append(texts, c.Text)
		}
	}
	return joinTexts(texts)
}
