package captions

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseVTT_Basic(t *testing.T) {
	raw := "WEBVTT\nKind: captions\nLanguage: en\n\n00:00:01.000 --> 00:00:03.500\nHello world\n\n00:00:04.000 --> 00:00:06.000 align:start position:0%\nSecond line\n"

	cues, err := ParseVTT(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseVTT: %v", err)
	}
	assertCues(t, cues, []Cue{
		{Start: 1, End: 3.5, Text: "Hello world"},
		{Start: 4, End: 6, Text: "Second line"},
	})
}

func TestParseVTT_CueIDsAndMarkup(t *testing.T) {
	raw := "WEBVTT\n\n1\n00:00:01.000 --> 00:00:03.000\n<v Narrator><i>Once</i> upon</v>\na time\n\n2\n00:01:02.250 --> 00:01:04.000\nTom &amp; Jerry\n"

	cues, err := ParseVTT(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseVTT: %v", err)
	}
	assertCues(t, cues, []Cue{
		{Start: 1, End: 3, Text: "Once upon a time"},
		{Start: 62.25, End: 64, Text: "Tom & Jerry"},
	})
}

func TestParseVTT_SkipsNoteBlocksAndEmptyPayloads(t *testing.T) {
	raw := "WEBVTT\n\nNOTE this is a comment\nspanning lines\n\n00:00:01.000 --> 00:00:02.000\n<c></c>\n\n00:02.000 --> 00:03.000\nshort form\n"

	cues, err := ParseVTT(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseVTT: %v", err)
	}
	assertCues(t, cues, []Cue{{Start: 2, End: 3, Text: "short form"}})
}

func TestParseVTT_CRLF(t *testing.T) {
	raw := "WEBVTT\r\n\r\n00:00:01.000 --> 00:00:02.000\r\nwindows\r\n"

	cues, err := ParseVTT(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseVTT: %v", err)
	}
	assertCues(t, cues, []Cue{{Start: 1, End: 2, Text: "windows"}})
}

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "00:00:00.000"},
		{1.5, "00:00:01.500"},
		{62.25, "00:01:02.250"},
		{3723.004, "01:02:03.004"},
		{-5, "00:00:00.000"},
	}
	for _, tt := range tests {
		if got := FormatTimestamp(tt.in); got != tt.want {
			t.Errorf("FormatTimestamp(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteVTT_RoundTrip(t *testing.T) {
	cues := []Cue{
		{Start: 1, End: 2.5, Text: "first"},
		{Start: 65, End: 70, Text: "second"},
	}

	var buf bytes.Buffer
	if err := WriteVTT(&buf, cues); err != nil {
		t.Fatalf("WriteVTT: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "WEBVTT\n") {
		t.Errorf("missing header:\n%s", buf.String())
	}

	parsed, err := ParseVTT(&buf)
	if err != nil {
		t.Fatalf("ParseVTT: %v", err)
	}
	assertCues(t, parsed, cues)
}

func TestCue_String(t *testing.T) {
	c := Cue{Start: 12.34, End: 15, Text: "line"}
	if got, want := c.String(), "[12.3–15.0] line"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
