package prompts

import (
	"fmt"
	"strings"
)

// recapTemplate asks for a structured recap of a watched video. Format
// verbs: 1: title line, 2: transcript or section summaries.
const recapTemplate = `Write a recap of a video the viewer watched, based on its subtitles.
%s
Respond with JSON having exactly these fields:

{
  "one_liner": "one sentence describing what the video was about (~12 words)",
  "summary": "3-5 sentences covering the main events or topics, in order",
  "tags": ["lowercase", "topic", "tags", "3-6 tags"]
}

Base everything on the subtitles. Do not invent plot points or speakers.

Subtitles:
%s

JSON:`

// recapSectionsNote replaces the subtitle label when the material is a
// list of section summaries rather than raw subtitles.
const recapSectionsNote = "(The subtitles were long, so these are summaries of consecutive sections.)"

// chunkSummaryTemplate is the map-phase prompt for one section of a long
// transcript. Format verbs: 1: section index, 2: total sections, 3: text.
const chunkSummaryTemplate = `Summarize this section of a video's subtitles (part %d of %d).

Keep names, places, numbers and what happens, in order. Aim for roughly
1/5 the length of the input.

Subtitles:
%s

Summary:`

// RecapPrompt returns the prompt for recapping an archived session.
// When fromSections is true, material holds section summaries produced
// by TranscriptChunkPrompt instead of timestamped subtitles.
func RecapPrompt(title, material string, fromSections bool) string {
	titleLine := ""
	if title != "" {
		titleLine = fmt.Sprintf("The video is titled %q.\n", title)
	}
	if fromSections {
		material = recapSectionsNote + "\n\n" + material
	}
	return fmt.Sprintf(recapTemplate, titleLine, strings.TrimSpace(material))
}

// TranscriptChunkPrompt returns the prompt summarizing section index
// (1-based) of total.
func TranscriptChunkPrompt(chunk string, index, total int) string {
	return fmt.Sprintf(chunkSummaryTemplate, index, total, strings.TrimSpace(chunk))
}
