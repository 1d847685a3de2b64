package llm

import "context"

// Provider names as they appear in the models list of the config.
const (
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)

// Client answers chat requests for one or more models.
type Client interface {
	// Chat sends messages to model and waits for the whole reply.
	Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error)

	// Ping reports whether the backend can be reached.
	Ping(ctx context.Context) error
}
