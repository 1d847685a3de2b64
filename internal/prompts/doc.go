// Package prompts contains the LLM prompt templates Botodachi sends when
// the viewer asks about the video they are watching, and when finished
// sessions are recapped for the archive.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation and can be validated by tests.
// The only user-supplied text is an optional persona file, which is
// inserted verbatim under the assistant role line.
//
// Convention: each prompt category gets its own file (companion.go,
// presets.go, recap.go) with an exported function that accepts the
// dynamic parts and returns the fully interpolated prompt.
package prompts
