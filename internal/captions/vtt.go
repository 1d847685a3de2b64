package captions

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// timingLineRe matches WebVTT cue timings like "00:00:01.234 --> 00:00:03.456"
// or the hour-less "00:01.234 --> 00:03.456", with optional cue settings
// after the end timestamp.
var timingLineRe = regexp.MustCompile(`^((?:\d+:)?\d{1,2}:\d{2}[.,]\d{3})\s*-->\s*((?:\d+:)?\d{1,2}:\d{2}[.,]\d{3})`)

// htmlTagRe matches inline markup found in cue payloads (<c>, <i>, <font>, voice spans).
var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// ParseVTT reads a WebVTT document and returns its cues in file order.
// Headers, NOTE/STYLE/REGION blocks, cue identifiers and inline markup
// are discarded; multi-line payloads are joined with spaces. Cues whose
// payload is empty after cleaning are skipped.
func ParseVTT(r io.Reader) ([]Cue, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		cues    []Cue
		current *Cue
		payload []string
		skip    bool
	)

	flush := func() {
		if current != nil {
			raw := unescapeEntities(htmlTagRe.ReplaceAllString(strings.Join(payload, " "), ""))
			if text, ok := Normalize(raw); ok {
				current.Text = text
				cues = append(cues, *current)
			}
		}
		current = nil
		payload = payload[:0]
	}

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			flush()
			skip = false
			continue
		}
		if skip {
			continue
		}
		if current == nil && isBlockHeader(trimmed) {
			skip = true
			continue
		}

		if m := timingLineRe.FindStringSubmatch(trimmed); m != nil {
			flush()
			start, err := parseTimestamp(m[1])
			if err != nil {
				return nil, err
			}
			end, err := parseTimestamp(m[2])
			if err != nil {
				return nil, err
			}
			if end < start {
				end = start
			}
			current = &Cue{Start: start, End: end}
			continue
		}

		if current != nil {
			payload = append(payload, trimmed)
		}
		// Anything else outside a cue is a cue identifier or header noise.
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vtt: %w", err)
	}
	flush()
	return cues, nil
}

func isBlockHeader(line string) bool {
	switch {
	case strings.HasPrefix(line, "WEBVTT"),
		strings.HasPrefix(line, "NOTE"),
		strings.HasPrefix(line, "STYLE"),
		strings.HasPrefix(line, "REGION"),
		strings.HasPrefix(line, "Kind:"),
		strings.HasPrefix(line, "Language:"):
		return true
	}
	return false
}

// parseTimestamp parses "HH:MM:SS.mmm" or "MM:SS.mmm" into seconds.
// SRT-style comma separators are accepted too.
func parseTimestamp(ts string) (float64, error) {
	ts = strings.Replace(strings.TrimSpace(ts), ",", ".", 1)
	parts := strings.Split(ts, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid vtt timestamp %q", ts)
	}
	var total float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid vtt timestamp %q: %w", ts, err)
		}
		if i < len(parts)-1 {
			total = (total + v) * 60
		} else {
			total += v
		}
	}
	return total, nil
}

// FormatTimestamp renders seconds as a WebVTT "HH:MM:SS.mmm" timestamp.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || !finite(seconds) {
		seconds = 0
	}
	ms := int64(seconds*1000 + 0.5)
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// WriteVTT writes cues as a WebVTT document. Cue identifiers are
// sequential starting at 1.
func WriteVTT(w io.Writer, cues []Cue) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("WEBVTT\n"); err != nil {
		return err
	}
	for i, c := range cues {
		if _, err := fmt.Fprintf(bw, "\n%d\n%s --> %s\n%s\n", i+1, FormatTimestamp(c.Start), FormatTimestamp(c.End), c.Text); err != nil {
			return err
		}
	}
	return bw.Flush()
}

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&nbsp;", " ",
	"&lrm;", "",
	"&rlm;", "",
)

func unescapeEntities(s string) string {
	return entityReplacer.Replace(s)
}
