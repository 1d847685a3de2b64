package prompts

import (
	"fmt"
	"strings"
)

// Preset identifies a one-click question from the overlay's quick chips.
type Preset string

const (
	PresetWhatsHappening Preset = "whats_happening"
	PresetTrivia         Preset = "trivia"
	PresetComments       Preset = "comments"
)

// Comment summary limits.
const (
	maxSummarizedComments = 20
	minCommentLength      = 10
)

var presetQuestions = map[Preset]struct {
	question string
	display  string
}{
	PresetWhatsHappening: {
		question: "What's happening right now in this scene? Explain briefly.",
		display:  "What's happening?",
	},
	PresetTrivia: {
		question: "Give me 3 interesting trivia facts about this movie/video/song. Keep it spoiler-free and fun!",
		display:  "Trivia",
	},
}

// commentSummaryTemplate asks for a summary of viewer comments. The
// single format verb is the comments joined by separators.
const commentSummaryTemplate = `Summarize these YouTube comments. Include:
- Overall sentiment (positive/negative/mixed)
- Main themes or topics discussed
- Notable or funny reactions

Comments:
%s`

// PresetQuestion returns the question text and the short label shown in
// the chat for a preset. ok is false for unknown presets and for
// PresetComments, which needs the comments themselves.
func PresetQuestion(p Preset) (question, display string, ok bool) {
	q, ok := presetQuestions[p]
	if !ok {
		return "", "", false
	}
	return q.question, q.display, true
}

// CommentSummaryPrompt builds the comment summary question. Comments of
// ten characters or fewer are dropped and at most twenty are used. It
// returns false when no usable comments remain.
func CommentSummaryPrompt(comments []string) (string, bool) {
	var kept []string
	for _, c := range comments {
		c = strings.TrimSpace(c)
		if len(c) <= minCommentLength {
			continue
		}
		kept = append(kept, c)
		if len(kept) == maxSummarizedComments {
			break
		}
	}
	if len(kept) == 0 {
		return "", false
	}
	return fmt.Sprintf(commentSummaryTemplate, strings.Join(kept, "\n---\n")), true
}
