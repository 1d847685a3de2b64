package prompts

import (
	"strings"
	"testing"
)

func TestRecapPrompt(t *testing.T) {
	tests := []struct {
		name         string
		title        string
		fromSections bool
		want         []string
		notWant      []string
	}{
		{
			name:    "titled subtitles",
			title:   "The Third Man",
			want:    []string{`titled "The Third Man"`, "[00:12] Hello, Holly.", `"one_liner"`},
			notWant: []string{recapSectionsNote},
		},
		{
			name:    "untitled",
			want:    []string{"[00:12] Hello, Holly."},
			notWant: []string{"titled"},
		},
		{
			name:         "from sections",
			title:        "The Third Man",
			fromSections: true,
			want:         []string{recapSectionsNote, "[00:12] Hello, Holly."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RecapPrompt(tt.title, "\n[00:12] Hello, Holly.\n", tt.fromSections)
			for _, s := range tt.want {
				if !strings.Contains(got, s) {
					t.Errorf("prompt missing %q", s)
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(got, s) {
					t.Errorf("prompt should not contain %q", s)
				}
			}
			if strings.Contains(got, "%!") {
				t.Errorf("bad format verb in prompt:\n%s", got)
			}
		})
	}
}

func TestTranscriptChunkPrompt(t *testing.T) {
	got := TranscriptChunkPrompt("  [01:00] The zither plays.  ", 2, 5)
	if !strings.Contains(got, "part 2 of 5") {
		t.Errorf("missing section position:\n%s", got)
	}
	if !strings.Contains(got, "Subtitles:\n[01:00] The zither plays.\n") {
		t.Errorf("chunk not trimmed and embedded:\n%s", got)
	}
}
