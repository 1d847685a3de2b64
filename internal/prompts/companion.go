package prompts

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/nugget/botodachi/internal/captions"
	"github.com/nugget/botodachi/internal/llm"
	"github.com/nugget/botodachi/internal/session"
)

// NoContextPlaceholder stands in for the context block when no captions
// have been captured yet.
const NoContextPlaceholder = "(no subtitle context caught yet)"

// defaultWindowMinutes is reported when a partial window has no cues to
// measure from.
const defaultWindowMinutes = 15

// maxPersonaBytes bounds the persona file read at startup.
const maxPersonaBytes = 16 * 1024

// companionHeaderTemplate is the system prompt. Format verbs:
// 1: persona block, 2: title, 3: platform, 4: m:ss timestamp,
// 5: title, 6: context window description, 7: title, 8: title,
// 9: spoiler rule.
const companionHeaderTemplate = `You are a movie/video companion assistant.
%s
Video: "%s" (%s)
Current timestamp: %s

PRIMARY SOURCES (in priority order):
1. Provided subtitle context (most reliable for this specific video)
2. Your general knowledge about "%s"
3. Your general knowledge about the topic/subject

CONTEXT WINDOW: %s

Rules:
- Base answers on subtitle context when the question is about specific events or dialogue happening in the video
- You MAY supplement with your general knowledge about "%s" when helpful
- If asked about earlier content not in the subtitle context, use your general knowledge about "%s"
- %s
- Keep answers concise and relevant
`

// companionUserTemplate is the final user turn. Format verbs:
// 1: question, 2: now in seconds, 3: allow spoilers, 4: context lines.
const companionUserTemplate = `Question: %s
Now (seconds): %.1f
Allow spoilers: %t

Context (recent subtitles):
%s
`

const (
	spoilerRuleStrict  = "Avoid spoilers beyond the current timestamp unless explicitly allowed"
	spoilerRuleAllowed = "The viewer has allowed spoilers; you may discuss events beyond the current timestamp"
)

// Request carries everything needed to build a companion prompt.
type Request struct {
	Question      string
	Now           float64
	AllowSpoilers bool

	Title    string
	Platform string

	// Context is the selected caption window, oldest first.
	Context []captions.Cue
	// FullContext is true when Context holds everything captured so far
	// rather than a budget-limited tail.
	FullContext bool

	// History is prior conversation, oldest first. It must not include
	// the current question.
	History []session.Turn

	// Persona is optional free text inserted under the role line.
	Persona string
}

// Build returns the message list for a companion question: the system
// header, prior history turns, then the user turn.
func Build(req Request) []llm.Message {
	msgs := make([]llm.Message, 0, len(req.History)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: SystemPrompt(req)})
	for _, t := range req.History {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: UserPrompt(req)})
	return msgs
}

// SystemPrompt renders the companion header.
func SystemPrompt(req Request) string {
	title := req.Title
	if strings.TrimSpace(title) == "" {
		title = "Unknown Video"
	}
	platform := req.Platform
	if platform == "" {
		platform = "unknown"
	}
	persona := ""
	if p := strings.TrimSpace(req.Persona); p != "" {
		persona = p + "\n"
	}
	rule := spoilerRuleStrict
	if req.AllowSpoilers {
		rule = spoilerRuleAllowed
	}
	return fmt.Sprintf(companionHeaderTemplate,
		persona, title, platform, FormatClock(req.Now),
		title, ContextWindow(req.Context, req.Now, req.FullContext),
		title, title, rule,
	)
}

// UserPrompt renders the user turn with the caption context block.
func UserPrompt(req Request) string {
	lines := ContextLines(req.Context)
	if lines == "" {
		lines = NoContextPlaceholder
	}
	return fmt.Sprintf(companionUserTemplate, req.Question, req.Now, req.AllowSpoilers, lines)
}

// ContextWindow describes how much of the video the context covers.
func ContextWindow(cues []captions.Cue, now float64, full bool) string {
	if full {
		return "Full video context available"
	}
	minutes := defaultWindowMinutes
	if len(cues) > 0 && cues[0].Start > 0 {
		minutes = int(math.Max(0, math.Floor((now-cues[0].Start)/60)))
	}
	return fmt.Sprintf("Last ~%d minutes of subtitles", minutes)
}

// ContextLines renders cues one per line as "[t0–t1] text".
func ContextLines(cues []captions.Cue) string {
	var sb strings.Builder
	for i, c := range cues {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(c.String())
	}
	return sb.String()
}

// FormatClock renders seconds as m:ss, the way a player shows it.
func FormatClock(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// LoadPersona reads the persona file. An empty path yields no persona.
func LoadPersona(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read persona file: %w", err)
	}
	if len(data) > maxPersonaBytes {
		return "", fmt.Errorf("persona file %s is %d bytes (max %d)", path, len(data), maxPersonaBytes)
	}
	return strings.TrimSpace(string(data)), nil
}
