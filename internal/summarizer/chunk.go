package summarizer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/botodachi/internal/captions"
	"github.com/nugget/botodachi/internal/prompts"
	"github.com/nugget/botodachi/internal/session"
)

const (
	// defaultChunkSize is about 1.5K tokens of transcript, which leaves
	// room for the prompt in a 4K context.
	defaultChunkSize = 5000

	// maxSections caps how many sections of one transcript are sent.
	maxSections = 24

	// maxParallelChunks bounds concurrent section calls against a
	// single local Ollama.
	maxParallelChunks = 2
)

var errNoSummary = errors.New("empty section summary")

// buildTranscript renders cues as "[m:ss] text" lines with a blank line
// between minutes of playback.
func buildTranscript(cues []captions.Cue) string {
	var b strings.Builder
	minute := -1
	for _, c := range cues {
		text := strings.Join(strings.Fields(c.Text), " ")
		if text == "" {
			continue
		}
		if m := int(c.Start) / 60; m != minute {
			if minute >= 0 {
				b.WriteByte('\n')
			}
			minute = m
		}
		fmt.Fprintf(&b, "[%s] %s\n", prompts.FormatClock(c.Start), text)
	}
	return b.String()
}

// chunkTranscript packs the blank-line separated paragraphs of
// transcript into sections of at most size bytes. A paragraph is never
// split, so one longer than size becomes a section of its own.
func chunkTranscript(transcript string, size int) []string {
	var (
		sections []string
		cur      []string
		n        int
	)
	flush := func() {
		if len(cur) > 0 {
			sections = append(sections, strings.Join(cur, "\n\n"))
			cur, n = cur[:0], 0
		}
	}
	for _, p := range strings.Split(transcript, "\n\n") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		if len(cur) > 0 && n+2+len(p) > size {
			flush()
		}
		if len(cur) > 0 {
			n += 2
		}
		cur = append(cur, p)
		n += len(p)
	}
	flush()
	return sections
}

// summarizeSections summarizes each section, at most maxParallelChunks
// at a time, and joins the results in transcript order. The first
// failure cancels the rest.
func (w *Worker) summarizeSections(ctx context.Context, requestID string, rec *session.Record, sections []string) (string, error) {
	out := make([]string, len(sections))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChunks)

	for i, text := range sections {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			resp, err := w.chat(gctx, requestID, rec, prompts.TranscriptChunkPrompt(text, i+1, len(sections)))
			if err == nil && strings.TrimSpace(resp) == "" {
				err = errNoSummary
			}
			if err != nil {
				return fmt.Errorf("section %d: %w", i+1, err)
			}
			out[i] = fmt.Sprintf("Section %d:\n%s", i+1, strings.TrimSpace(resp))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return strings.Join(out, "\n\n"), nil
}
