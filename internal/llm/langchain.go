package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/nugget/botodachi/internal/httpkit"
	"github.com/nugget/botodachi/internal/logging"
)

// LangChainConfig configures a langchaingo-backed provider.
type LangChainConfig struct {
	APIKey string
	// BaseURL points the OpenAI provider at a compatible endpoint. It is
	// ignored for Google.
	BaseURL string
	// PingModel is the model used for health checks.
	PingModel string
}

// LangChainClient adapts a langchaingo model to Client. Gemini gets the
// system prompt folded into the final user turn.
type LangChainClient struct {
	provider   string
	model      llms.Model
	pingModel  string
	foldSystem bool
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for OpenAI or any OpenAI-compatible API.
func NewOpenAIClient(cfg LangChainConfig, logger *slog.Logger) (*LangChainClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrMissingCredentials)
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0))),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.PingModel != "" {
		opts = append(opts, openai.WithModel(cfg.PingModel))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	return newLangChainClient(ProviderOpenAI, model, cfg.PingModel, false, logger), nil
}

// NewGoogleClient creates a Gemini client.
func NewGoogleClient(ctx context.Context, cfg LangChainConfig, logger *slog.Logger) (*LangChainClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("google: %w", ErrMissingCredentials)
	}
	opts := []googleai.Option{googleai.WithAPIKey(cfg.APIKey)}
	if cfg.PingModel != "" {
		opts = append(opts, googleai.WithDefaultModel(cfg.PingModel))
	}
	model, err := googleai.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create google model: %w", err)
	}
	return newLangChainClient(ProviderGoogle, model, cfg.PingModel, true, logger), nil
}

func newLangChainClient(provider string, model llms.Model, pingModel string, fold bool, logger *slog.Logger) *LangChainClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &LangChainClient{
		provider:   provider,
		model:      model,
		pingModel:  pingModel,
		foldSystem: fold,
		logger:     logger.With("provider", provider),
	}
}

// Chat sends a chat completion request through langchaingo.
func (c *LangChainClient) Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error) {
	opts = opts.withDefaults()
	if c.foldSystem {
		messages = foldSystemPrompt(messages)
	}
	content := toMessageContent(messages)

	c.logger.Debug("preparing request", "model", model, "messages", len(content))

	callOpts := []llms.CallOption{
		llms.WithTemperature(opts.Temperature),
		llms.WithMaxTokens(opts.MaxTokens),
	}
	if model != "" {
		callOpts = append(callOpts, llms.WithModel(model))
	}

	resp, err := c.model.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s generate: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New(c.provider + ": no response choices")
	}

	choice := resp.Choices[0]
	result := &ChatResponse{
		Model:        model,
		CreatedAt:    time.Now(),
		Message:      Message{Role: "assistant", Content: choice.Content},
		InputTokens:  infoInt(choice.GenerationInfo, "PromptTokens", "input_tokens"),
		OutputTokens: infoInt(choice.GenerationInfo, "CompletionTokens", "output_tokens"),
	}
	c.logger.Debug("response received",
		"model", model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"stop_reason", choice.StopReason,
	)
	c.logger.Log(ctx, logging.LevelTrace, "response content", "content", result.Message.Content)
	return result, nil
}

// Ping sends a one-token request using the ping model.
func (c *LangChainClient) Ping(ctx context.Context) error {
	_, err := c.Chat(ctx, c.pingModel, []Message{{Role: "user", Content: "ping"}}, Options{MaxTokens: 1})
	return err
}

// Provider returns the provider name.
func (c *LangChainClient) Provider() string { return c.provider }

// foldSystemPrompt merges system messages into the last user turn as
// "system\n\nuser". Messages without a user turn gain one.
func foldSystemPrompt(messages []Message) []Message {
	var system []string
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		out = append(out, m)
	}
	if len(system) == 0 {
		return out
	}
	header := strings.Join(system, "\n\n")
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == "user" {
			out[i].Content = header + "\n\n" + out[i].Content
			return out
		}
	}
	return append(out, Message{Role: "user", Content: header})
}

func toMessageContent(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		var role llms.ChatMessageType
		switch m.Role {
		case "system":
			role = llms.ChatMessageTypeSystem
		case "assistant":
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeHuman
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

// infoInt reads the first numeric value found under keys.
func infoInt(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
