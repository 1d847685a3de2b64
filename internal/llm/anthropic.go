package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/botodachi/internal/httpkit"
	"github.com/nugget/botodachi/internal/logging"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicPingModel  = "claude-3-5-haiku-latest"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	url    string
	api    endpoint
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. An empty url selects
// the public API endpoint.
func NewAnthropicClient(apiKey, url string, logger *slog.Logger) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrMissingCredentials)
	}
	if url == "" {
		url = anthropicAPIURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", ProviderAnthropic)

	header := make(http.Header)
	header.Set("x-api-key", apiKey)
	header.Set("anthropic-version", anthropicAPIVersion)

	return &AnthropicClient{
		url:    url,
		logger: logger,
		api: endpoint{
			provider: ProviderAnthropic,
			header:   header,
			logger:   logger,
			// Request deadlines come from ctx.
			client: httpkit.NewClient(
				httpkit.WithTimeout(0),
				httpkit.WithTransport(httpkit.NewTransport(2*time.Minute)),
			),
		},
	}, nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends a chat completion request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error) {
	opts = opts.withDefaults()
	msgs, system := convertToAnthropic(messages)
	temp := opts.Temperature

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(msgs),
		"system_len", len(system),
	)

	var resp anthropicResponse
	if err := c.api.call(ctx, http.MethodPost, c.url, anthropicRequest{
		Model:       model,
		Messages:    msgs,
		System:      system,
		MaxTokens:   opts.MaxTokens,
		Temperature: &temp,
	}, &resp); err != nil {
		return nil, err
	}

	result := convertFromAnthropic(&resp)
	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"stop_reason", resp.StopReason,
	)
	c.logger.Log(ctx, logging.LevelTrace, "response content", "content", result.Message.Content)
	return result, nil
}

// Ping sends a one-token request to verify the key works. Anthropic has
// no dedicated health endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	var resp anthropicResponse
	return c.api.call(ctx, http.MethodPost, c.url, anthropicRequest{
		Model:     anthropicPingModel,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}, &resp)
}

// convertToAnthropic extracts system messages into the separate system
// prompt and merges consecutive same-role turns, which the Messages API
// rejects.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, msg := range messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		role := msg.Role
		if role != "assistant" {
			role = "user"
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content += "\n\n" + msg.Content
			continue
		}
		result = append(result, anthropicMessage{Role: role, Content: msg.Content})
	}
	return result, strings.Join(systemParts, "\n\n")
}

func convertFromAnthropic(resp *anthropicResponse) *ChatResponse {
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &ChatResponse{
		Model:        resp.Model,
		CreatedAt:    time.Now(),
		Message:      Message{Role: "assistant", Content: sb.String()},
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}
